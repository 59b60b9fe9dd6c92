package criterion

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detr/images"
	"github.com/nvr-ai/go-detr/models/model"
)

// lossMasks upsamples the mask logits of primary pairs to the padded target resolution
// and applies the sigmoid focal loss (mean over pixels) and the Dice loss, each summed
// over pairs and divided by num_boxes.
//
// Target masks are zero-padded to the largest height and width in the batch.
func (c *SetCriterion) lossMasks(l *layer, losses map[string]float64) error {
	if l.pred.Masks == nil {
		return errors.Wrap(model.ErrMissingOutput, "pred_masks")
	}

	var ph, pw int
	for i, t := range l.targets {
		if t.Masks == nil {
			if t.Len() == 0 {
				continue
			}
			return errors.Wrapf(model.ErrMissingOutput, "masks of target %d", i)
		}
		s := t.Masks.Shape()
		ph, pw = max(ph, s[1]), max(pw, s[2])
	}

	wMask := c.weight(l, "loss_mask")
	wDice := c.weight(l, "loss_dice")
	grads := model.Floats(l.grad.Masks)
	ms := l.pred.Masks.Shape()
	mh, mw := ms[2], ms[3]
	pixels := float64(ph * pw)

	var sumFocal, sumDice float64
	for b, ix := range l.primary {
		if ix.Len() == 0 {
			continue
		}
		ts := l.targets[b].Masks.Shape()
		th, tw := ts[1], ts[2]
		tdata := model.Floats(l.targets[b].Masks)

		for k, q := range ix.Queries {
			src, _, _ := l.pred.Mask(b, q)
			up := images.Bilinear(src, mh, mw, ph, pw)

			target := make([]float32, ph*pw)
			t := ix.Targets[k]
			for y := 0; y < th; y++ {
				copy(target[y*pw:y*pw+tw], tdata[(t*th+y)*tw:(t*th+y+1)*tw])
			}

			var focalSum float64
			dUp := make([]float32, ph*pw)
			for i, x := range up {
				loss, g := focal(float64(x), float64(target[i]), c.cfg.FocalAlpha, c.cfg.FocalGamma)
				focalSum += loss
				dUp[i] = float32(wMask * g / pixels / l.numBoxes)
			}
			sumFocal += focalSum / pixels

			d, dg := dice(up, target)
			sumDice += d
			for i := range dUp {
				dUp[i] += float32(wDice * dg[i] / l.numBoxes)
			}

			if wMask == 0 && wDice == 0 {
				continue
			}
			dSrc := images.BilinearBackward(dUp, mh, mw, ph, pw)
			off := (b*ms[1] + q) * mh * mw
			for i, g := range dSrc {
				grads[off+i] += g
			}
		}
	}
	losses["loss_mask"+l.suffix] = sumFocal / l.numBoxes
	losses["loss_dice"+l.suffix] = sumDice / l.numBoxes
	return nil
}
