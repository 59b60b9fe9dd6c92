package inference

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// ImageNet channel statistics the backbone was trained with.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// PrepareInput writes one image into slot i of a [B, 3, size, size] batch and its padding
// mask. The longer side is resized to size with Lanczos3, keeping the aspect ratio; the
// remainder is zero-filled and marked with 1 in the mask.
//
// Arguments:
//   - img: The image to prepare.
//   - size: The square input side.
//   - i: The batch slot.
//   - pixels: The batch pixels, [B, 3, size, size].
//   - mask: The batch mask, [B, size, size].
//
// Returns:
//   - image.Point: The resized (unpadded) width and height.
//   - error: An error if the buffers cannot hold slot i.
func PrepareInput(img image.Image, size, i int, pixels []float32, mask []uint8) (image.Point, error) {
	plane := size * size
	if size <= 0 || i < 0 {
		return image.Point{}, errors.Errorf("invalid size %d or slot %d", size, i)
	}
	if len(pixels) < (i+1)*3*plane || len(mask) < (i+1)*plane {
		return image.Point{}, errors.Errorf("buffers hold %d pixels and %d mask values, slot %d needs %d and %d",
			len(pixels), len(mask), i, (i+1)*3*plane, (i+1)*plane)
	}

	b := img.Bounds()
	w, h := uint(size), uint(0)
	if b.Dy() > b.Dx() {
		w, h = 0, uint(size)
	}
	img = resize.Resize(w, h, img, resize.Lanczos3)
	rb := img.Bounds()

	channels := pixels[i*3*plane : (i+1)*3*plane]
	m := mask[i*plane : (i+1)*plane]
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			at := y*size + x
			if x >= rb.Dx() || y >= rb.Dy() {
				for c := 0; c < 3; c++ {
					channels[c*plane+at] = 0
				}
				m[at] = 1
				continue
			}
			r, g, bl, _ := img.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			for c, v := range [3]uint32{r, g, bl} {
				channels[c*plane+at] = (float32(v>>8)/255.0 - channelMean[c]) / channelStd[c]
			}
			m[at] = 0
		}
	}
	return image.Pt(min(rb.Dx(), size), min(rb.Dy(), size)), nil
}
