package postprocess

import (
	"context"

	"github.com/nvr-ai/go-detr/models/model"
)

// TopK keeps the highest sigmoid scores over the whole (query, class) grid of each
// image, without any suppression.
type TopK struct {
	opts Options
}

// NewTopK creates a Top-K post-processor.
func NewTopK(opts Options) *TopK {
	return &TopK{opts: opts.withDefaults()}
}

// Process converts one batch of predictions.
//
// Arguments:
//   - ctx: Unused; present to satisfy Processor.
//   - pred: Final-layer predictions with normalized (cx, cy, w, h) boxes.
//   - sizes: True image sizes, one per image.
//
// Returns:
//   - [][]Result: Up to min(TopK, Q*C) results per image, best first, with absolute
//     (x1, y1, x2, y2) boxes.
//   - error: Invalid input.
func (p *TopK) Process(_ context.Context, pred *model.Prediction, sizes []Size) ([][]Result, error) {
	if err := validate(pred, sizes); err != nil {
		return nil, err
	}

	out := make([][]Result, len(sizes))
	for b, size := range sizes {
		s := scores(pred, b)
		keep := rank(s, p.opts.TopK)
		res := make([]Result, 0, len(keep))
		for _, flat := range keep {
			res = append(res, detection(pred, b, flat, s[flat], size, p.opts.Clip))
		}
		out[b] = res
	}
	return out, nil
}
