package boxes

// GIoUGrad returns the generalized IoU of a predicted box p against a target t together
// with its partial derivatives with respect to p's (cx, cy, w, h) components.
//
// The derivative is taken piecewise: min/max selections route the gradient to the
// coordinate that was selected, and the clamped intersection contributes nothing when
// the boxes do not overlap. The computation runs in float64.
//
// Arguments:
//   - p: The predicted box.
//   - t: The target box, treated as a constant.
//
// Returns:
//   - float64: GIoU(p, t).
//   - [4]float64: d GIoU / d (cx, cy, w, h) of p.
func GIoUGrad(p, t Center) (float64, [4]float64) {
	pr, tr := p.Rect(), t.Rect()
	ax1, ay1, ax2, ay2 := float64(pr.X1), float64(pr.Y1), float64(pr.X2), float64(pr.Y2)
	bx1, by1, bx2, by2 := float64(tr.X1), float64(tr.Y1), float64(tr.X2), float64(tr.Y2)

	iw := min(ax2, bx2) - max(ax1, bx1)
	ih := min(ay2, by2) - max(ay1, by1)
	overlaps := iw > 0 && ih > 0
	var inter float64
	if overlaps {
		inter = iw * ih
	} else {
		iw, ih = 0, 0
	}

	aw, ah := ax2-ax1, ay2-ay1
	union := aw*ah + (bx2-bx1)*(by2-by1) - inter
	ew := max(ax2, bx2) - min(ax1, bx1)
	eh := max(ay2, by2) - min(ay1, by1)
	enc := ew * eh

	var grad [4]float64
	if union <= 0 || enc <= 0 {
		return 0, grad
	}
	giou := inter/union - 1 + union/enc

	// Partials of (inter, area(p), enc) with respect to x1, y1, x2, y2 of p.
	var dInter, dArea, dEnc [4]float64
	dArea = [4]float64{-ah, -aw, ah, aw}
	if overlaps {
		if ax1 > bx1 {
			dInter[0] = -ih
		}
		if ay1 > by1 {
			dInter[1] = -iw
		}
		if ax2 < bx2 {
			dInter[2] = ih
		}
		if ay2 < by2 {
			dInter[3] = iw
		}
	}
	if ax1 < bx1 {
		dEnc[0] = -eh
	}
	if ay1 < by1 {
		dEnc[1] = -ew
	}
	if ax2 > bx2 {
		dEnc[2] = eh
	}
	if ay2 > by2 {
		dEnc[3] = ew
	}

	var corner [4]float64
	for k := range corner {
		dUnion := dArea[k] - dInter[k]
		corner[k] = (dInter[k]*union-inter*dUnion)/(union*union) +
			(dUnion*enc-union*dEnc[k])/(enc*enc)
	}

	// x1 = cx - w/2, x2 = cx + w/2 and likewise for y.
	grad[0] = corner[0] + corner[2]
	grad[1] = corner[1] + corner[3]
	grad[2] = (corner[2] - corner[0]) / 2
	grad[3] = (corner[3] - corner[1]) / 2
	return giou, grad
}

// L1Grad returns the subgradient of L1(p, t) with respect to p's (cx, cy, w, h).
func L1Grad(p, t Center) [4]float64 {
	pa, ta := p.Array(), t.Array()
	var g [4]float64
	for k := range g {
		switch {
		case pa[k] > ta[k]:
			g[k] = 1
		case pa[k] < ta[k]:
			g[k] = -1
		}
	}
	return g
}
