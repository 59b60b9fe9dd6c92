package postprocess

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-detr/boxes"
	"github.com/nvr-ai/go-detr/models/model"
)

// NMS caps each image's (query, class) candidates by score, suppresses overlapping
// boxes within each class and keeps the best survivors.
type NMS struct {
	opts Options
}

// NewNMS creates an NMS post-processor.
func NewNMS(opts Options) *NMS {
	return &NMS{opts: opts.withDefaults()}
}

// Process converts one batch of predictions.
//
// Arguments:
//   - ctx: Cancels the per-class suppression workers.
//   - pred: Final-layer predictions with normalized (cx, cy, w, h) boxes.
//   - sizes: True image sizes, one per image.
//
// Returns:
//   - [][]Result: Up to TopK surviving results per image, best first.
//   - error: Invalid input or cancellation.
func (p *NMS) Process(ctx context.Context, pred *model.Prediction, sizes []Size) ([][]Result, error) {
	if err := validate(pred, sizes); err != nil {
		return nil, err
	}

	out := make([][]Result, len(sizes))
	for b, size := range sizes {
		s := scores(pred, b)
		cands := make([]Result, 0, min(len(s), p.opts.PreCandidates))
		for _, flat := range rank(s, p.opts.PreCandidates) {
			cands = append(cands, detection(pred, b, flat, s[flat], size, p.opts.Clip))
		}
		kept, err := ApplyClassNMS(ctx, cands, p.opts.NMSThreshold, p.opts.Workers)
		if err != nil {
			return nil, err
		}
		if len(kept) > p.opts.TopK {
			kept = kept[:p.opts.TopK]
		}
		out[b] = kept
	}
	return out, nil
}

// ApplyClassNMS runs greedy NMS independently for every class and merges the survivors.
//
// Arguments:
//   - ctx: Cancels pending classes.
//   - detections: Candidates sorted by descending score.
//   - threshold: A box is suppressed when its IoU with a kept box of the same class
//     exceeds threshold.
//   - workers: Maximum classes processed concurrently; non-positive means unbounded.
//
// Returns:
//   - []Result: Survivors sorted by descending score; ties keep candidate order.
//   - error: Context cancellation.
func ApplyClassNMS(ctx context.Context, detections []Result, threshold float32, workers int) ([]Result, error) {
	if len(detections) == 0 {
		return nil, nil
	}

	type member struct {
		pos int
		det Result
	}
	byClass := make(map[int][]member)
	var classes []int
	for i, d := range detections {
		if _, ok := byClass[d.Class]; !ok {
			classes = append(classes, d.Class)
		}
		byClass[d.Class] = append(byClass[d.Class], member{pos: i, det: d})
	}

	kept := make([][]member, len(classes))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for ci, c := range classes {
		ci, c := ci, c
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ms := byClass[c]
			dets := make([]Result, len(ms))
			for i, m := range ms {
				dets[i] = m.det
			}
			for _, i := range ApplyGreedyNMS(dets, threshold) {
				kept[ci] = append(kept[ci], ms[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []member
	for _, ms := range kept {
		merged = append(merged, ms...)
	}
	sort.Slice(merged, func(a, b int) bool {
		if merged[a].det.Score != merged[b].det.Score {
			return merged[a].det.Score > merged[b].det.Score
		}
		return merged[a].pos < merged[b].pos
	})
	out := make([]Result, len(merged))
	for i, m := range merged {
		out[i] = m.det
	}
	return out, nil
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - threshold: IoU above which overlapping boxes are suppressed.
//
// Returns:
//   - The indices of the kept detections, in input order.
func ApplyGreedyNMS(detections []Result, threshold float32) []int {
	n := len(detections)
	if n == 0 {
		return nil
	}

	kept := make([]int, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		kept = append(kept, i)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}
			if boxes.IoU(anchor.Box, detections[j].Box) > threshold {
				used[j] = true
			}
		}
	}

	return kept
}
