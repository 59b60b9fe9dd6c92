package criterion

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detr/boxes"
	"github.com/nvr-ai/go-detr/models/model"
)

// objExample is one objectness regression example: the query whose score is supervised
// and its target value.
type objExample struct {
	b, q   int
	target float64
}

// lossObjectness supervises the objectness score with pairs from both the primary and the
// secondary assignment.
//
// A pair whose GIoU exceeds ObjThreshold is positive. Its target is the class mass (the
// summed sigmoid of the first ObjClassSlots class logits), blended with the GIoU when
// blend is set:
//
//	objs:  ObjBlend*GIoU + (1-ObjBlend)*mass
//	eobjs: mass
//
// Any other pair is negative with target NegativeTarget. Each branch is the summed L1
// distance divided by num_boxes; an empty branch contributes zero. Targets are constants.
func (c *SetCriterion) lossObjectness(l *layer, losses map[string]float64, key string, blend bool) error {
	if l.pred.Objectness == nil {
		return errors.Wrap(model.ErrMissingOutput, "obj")
	}

	var positives, negatives []objExample
	collect := func(assign []model.Indices) {
		for b, ix := range assign {
			for k, q := range ix.Queries {
				tgt := l.targets[b].Boxes[ix.Targets[k]]
				giou := float64(boxes.GeneralizedIoU(l.pred.Box(b, q).Rect(), tgt.Rect()))
				if giou <= c.cfg.ObjThreshold {
					negatives = append(negatives, objExample{b: b, q: q, target: c.cfg.NegativeTarget})
					continue
				}
				mass := c.classMass(l.pred.Logit(b, q))
				target := mass
				if blend {
					target = c.cfg.ObjBlend*giou + (1-c.cfg.ObjBlend)*mass
				}
				positives = append(positives, objExample{b: b, q: q, target: target})
			}
		}
	}
	collect(l.primary)
	collect(l.secondary)

	w := c.weight(l, key)
	_, nq, _ := l.pred.Dims()
	grads := model.Floats(l.grad.Objectness)

	var sum float64
	for _, set := range [][]objExample{positives, negatives} {
		for _, ex := range set {
			d := float64(l.pred.Object(ex.b, ex.q)) - ex.target
			if d < 0 {
				sum -= d
			} else {
				sum += d
			}
			if w != 0 {
				grads[ex.b*nq+ex.q] += float32(w * sign(d) / l.numBoxes)
			}
		}
	}
	losses[key+l.suffix] = sum / l.numBoxes
	return nil
}

// classMass sums the sigmoid probabilities of the leading class columns.
func (c *SetCriterion) classMass(logits []float32) float64 {
	n := len(logits)
	if c.cfg.ObjClassSlots > 0 && c.cfg.ObjClassSlots < n {
		n = c.cfg.ObjClassSlots
	}
	var mass float64
	for _, x := range logits[:n] {
		mass += sigmoid(float64(x))
	}
	return mass
}
