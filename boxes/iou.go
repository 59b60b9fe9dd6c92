package boxes

import "gonum.org/v1/gonum/mat"

// IoU measures the overlap of two corner boxes as intersection over union.
//
// A value of 1.0 means the boxes are identical, 0.0 means they do not overlap. Boxes
// with an empty union yield 0.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - float32: The IoU score in [0, 1].
func IoU(a, b Rect) float32 {
	inter, union := overlap(a, b)
	if union <= 0 {
		return 0
	}
	return inter / union
}

// GeneralizedIoU extends IoU with a penalty for the empty part of the smallest box
// enclosing both inputs:
//
//	GIoU = IoU - (Area(C) - Union) / Area(C)
//
// GIoU equals 1 for identical boxes and approaches -1 as two disjoint boxes move apart,
// so unlike IoU it still ranks non-overlapping pairs by how far apart they are.
//
// Arguments:
//   - a: The first box, in corner format. Must satisfy X2 >= X1 and Y2 >= Y1.
//   - b: The second box, with the same constraint.
//
// Returns:
//   - float32: The GIoU score in [-1, 1].
func GeneralizedIoU(a, b Rect) float32 {
	inter, union := overlap(a, b)
	var iou float32
	if union > 0 {
		iou = inter / union
	}
	enc := enclosing(a, b).Area()
	if enc <= 0 {
		return iou
	}
	return iou - (enc-union)/enc
}

// PairwiseGIoU computes the [len(a), len(b)] matrix of generalized IoU between every
// box in a and every box in b.
//
// Returns nil when either input is empty, since a zero-sized dense matrix cannot be
// represented.
func PairwiseGIoU(a, b []Rect) *mat.Dense {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	out := mat.NewDense(len(a), len(b), nil)
	for i := range a {
		for j := range b {
			out.Set(i, j, float64(GeneralizedIoU(a[i], b[j])))
		}
	}
	return out
}

func overlap(a, b Rect) (inter, union float32) {
	iw := min(a.X2, b.X2) - max(a.X1, b.X1)
	ih := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if iw > 0 && ih > 0 {
		inter = iw * ih
	}
	union = a.Area() + b.Area() - inter
	return inter, union
}

func enclosing(a, b Rect) Rect {
	return Rect{
		X1: min(a.X1, b.X1),
		Y1: min(a.Y1, b.Y1),
		X2: max(a.X2, b.X2),
		Y2: max(a.Y2, b.Y2),
	}
}
