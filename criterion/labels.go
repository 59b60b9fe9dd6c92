package criterion

import "github.com/nvr-ai/go-detr/models/model"

// lossLabels is the sigmoid focal classification loss over every (query, class) cell.
// Matched queries target a one-hot row of their target's class, unmatched queries an
// all-zero row. The per-query mean is scaled back up by the number of queries, so the
// loss is the plain sum divided by num_boxes.
//
// On the final layer it also reports class_error: 100 minus the top-1 accuracy over
// matched queries.
func (c *SetCriterion) lossLabels(l *layer, losses map[string]float64) error {
	nb, nq, nc := l.pred.Dims()

	classes := make([]int, nb*nq)
	for i := range classes {
		classes[i] = -1
	}
	for b, ix := range l.primary {
		for k, q := range ix.Queries {
			classes[b*nq+q] = l.targets[b].Labels[ix.Targets[k]]
		}
	}

	w := c.weight(l, "loss_ce")
	logits := model.Floats(l.pred.Logits)
	grads := model.Floats(l.grad.Logits)

	var sum float64
	for i, cls := range classes {
		row := logits[i*nc : i*nc+nc]
		for j, x := range row {
			y := 0.0
			if j == cls {
				y = 1
			}
			loss, g := focal(float64(x), y, c.cfg.FocalAlpha, c.cfg.FocalGamma)
			sum += loss
			if w != 0 {
				grads[i*nc+j] += float32(w * g / l.numBoxes)
			}
		}
	}
	losses["loss_ce"+l.suffix] = sum / l.numBoxes

	if l.log {
		losses["class_error"+l.suffix] = classError(l)
	}
	return nil
}

// classError is 100 minus the top-1 accuracy of matched queries, or 100 without matches.
func classError(l *layer) float64 {
	var matched, correct int
	for b, ix := range l.primary {
		for k, q := range ix.Queries {
			matched++
			if argmax(l.pred.Logit(b, q)) == l.targets[b].Labels[ix.Targets[k]] {
				correct++
			}
		}
	}
	if matched == 0 {
		return 100
	}
	return 100 - 100*float64(correct)/float64(matched)
}

// lossCardinality is the mean absolute error between the number of queries whose top
// class is not the last ("no-object") column and the true object count. It is a logging
// metric and carries no gradient.
func (c *SetCriterion) lossCardinality(l *layer, losses map[string]float64) error {
	nb, nq, nc := l.pred.Dims()

	var sum float64
	for b := 0; b < nb; b++ {
		card := 0
		for q := 0; q < nq; q++ {
			if argmax(l.pred.Logit(b, q)) != nc-1 {
				card++
			}
		}
		d := float64(card - l.targets[b].Len())
		if d < 0 {
			d = -d
		}
		sum += d
	}
	losses["cardinality_error"+l.suffix] = sum / float64(nb)
	return nil
}

// argmax returns the index of the first maximum.
func argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}
