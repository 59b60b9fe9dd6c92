package images

// tap is one axis of a bilinear sample: the two source indices and the weight of the
// second.
type tap struct {
	i0, i1 int
	frac   float32
}

// taps computes the source taps for every output index along one axis, using half-pixel
// centers: src = (dst + 0.5) * in/out - 0.5, clamped at 0.
func taps(in, out int) []tap {
	t := make([]tap, out)
	scale := float32(in) / float32(out)
	for d := range t {
		src := (float32(d)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := Clamp(i0+1, 0, in-1)
		t[d] = tap{i0: i0, i1: i1, frac: src - float32(i0)}
	}
	return t
}

// Bilinear resamples an h x w row-major plane to oh x ow with bilinear interpolation and
// half-pixel centers (the align_corners=false convention).
//
// Arguments:
//   - src: The source plane, len h*w.
//   - h, w: The source height and width.
//   - oh, ow: The output height and width.
//
// Returns:
//   - []float32: The resampled plane, len oh*ow.
func Bilinear(src []float32, h, w, oh, ow int) []float32 {
	dst := make([]float32, oh*ow)
	ty, tx := taps(h, oh), taps(w, ow)

	Parallel(oh, func(start, end int) {
		for y := start; y < end; y++ {
			ry := ty[y]
			row0 := src[ry.i0*w : ry.i0*w+w]
			row1 := src[ry.i1*w : ry.i1*w+w]
			for x, rx := range tx {
				top := row0[rx.i0]*(1-rx.frac) + row0[rx.i1]*rx.frac
				bottom := row1[rx.i0]*(1-rx.frac) + row1[rx.i1]*rx.frac
				dst[y*ow+x] = top*(1-ry.frac) + bottom*ry.frac
			}
		}
	})
	return dst
}

// BilinearBackward is the adjoint of Bilinear: it scatters an upstream gradient over the
// output plane back onto the source plane.
//
// Arguments:
//   - grad: Gradient with respect to the Bilinear output, len oh*ow.
//   - h, w: The source height and width.
//   - oh, ow: The output height and width.
//
// Returns:
//   - []float32: Gradient with respect to the source plane, len h*w.
func BilinearBackward(grad []float32, h, w, oh, ow int) []float32 {
	out := make([]float32, h*w)
	ty, tx := taps(h, oh), taps(w, ow)

	for y, ry := range ty {
		for x, rx := range tx {
			g := grad[y*ow+x]
			if g == 0 {
				continue
			}
			top, bottom := g*(1-ry.frac), g*ry.frac
			out[ry.i0*w+rx.i0] += top * (1 - rx.frac)
			out[ry.i0*w+rx.i1] += top * rx.frac
			out[ry.i1*w+rx.i0] += bottom * (1 - rx.frac)
			out[ry.i1*w+rx.i1] += bottom * rx.frac
		}
	}
	return out
}
