package criterion

import (
	"github.com/nvr-ai/go-detr/boxes"
	"github.com/nvr-ai/go-detr/models/model"
)

// lossBoxes is the L1 distance and the 1 - GIoU penalty over primary pairs, each summed
// and divided by num_boxes.
func (c *SetCriterion) lossBoxes(l *layer, losses map[string]float64) error {
	_, nq, _ := l.pred.Dims()
	wl1 := c.weight(l, "loss_bbox")
	wgiou := c.weight(l, "loss_giou")
	grads := model.Floats(l.grad.Boxes)

	var sumL1, sumGIoU float64
	for b, ix := range l.primary {
		for k, q := range ix.Queries {
			src := l.pred.Box(b, q)
			tgt := l.targets[b].Boxes[ix.Targets[k]]

			sumL1 += float64(boxes.L1(src, tgt))
			giou, dgiou := boxes.GIoUGrad(src, tgt)
			sumGIoU += 1 - giou

			dl1 := boxes.L1Grad(src, tgt)
			off := (b*nq + q) * 4
			for j := 0; j < 4; j++ {
				grads[off+j] += float32((wl1*dl1[j] - wgiou*dgiou[j]) / l.numBoxes)
			}
		}
	}
	losses["loss_bbox"+l.suffix] = sumL1 / l.numBoxes
	losses["loss_giou"+l.suffix] = sumGIoU / l.numBoxes
	return nil
}
