// Package matcher - bipartite matching between object queries and ground-truth objects.
package matcher

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/nvr-ai/go-detr/boxes"
	"github.com/nvr-ai/go-detr/models/model"
)

// Config weighs the terms of the matching cost.
type Config struct {
	// CostClass weighs the focal classification cost.
	CostClass float64 `json:"cost_class" yaml:"cost_class" koanf:"costclass"`
	// CostBBox weighs the L1 distance between (cx, cy, w, h) boxes.
	CostBBox float64 `json:"cost_bbox" yaml:"cost_bbox" koanf:"costbbox"`
	// CostGIoU weighs 1 - GIoU.
	CostGIoU float64 `json:"cost_giou" yaml:"cost_giou" koanf:"costgiou"`
	// FocalAlpha balances the positive and negative focal terms.
	FocalAlpha float64 `json:"focal_alpha" yaml:"focal_alpha" koanf:"focalalpha"`
	// FocalGamma is the focal modulation exponent.
	FocalGamma float64 `json:"focal_gamma" yaml:"focal_gamma" koanf:"focalgamma"`
	// Workers bounds how many images are solved concurrently. Zero means unbounded.
	Workers int `json:"workers" yaml:"workers" koanf:"workers"`
}

// DefaultConfig returns the training defaults.
func DefaultConfig() Config {
	return Config{
		CostClass:  2,
		CostBBox:   5,
		CostGIoU:   2,
		FocalAlpha: 0.25,
		FocalGamma: 2,
	}
}

// Option configures a HungarianMatcher.
type Option func(*HungarianMatcher)

// WithLogger sets the matcher's logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *HungarianMatcher) {
		if log != nil {
			m.log = log
		}
	}
}

// HungarianMatcher computes, per image, a primary assignment minimizing the matching cost
// and a secondary assignment over the queries the primary left unused.
//
// The matcher is a pure function of its inputs; which consumer reads which assignment is
// decided by the caller.
type HungarianMatcher struct {
	cfg Config
	log *zap.Logger
}

// New creates a matcher.
//
// Arguments:
//   - cfg: Cost weights. At least one weight must be non-zero.
//   - opts: Optional settings.
//
// Returns:
//   - *HungarianMatcher: The matcher.
//   - error: An error if every cost weight is zero.
func New(cfg Config, opts ...Option) (*HungarianMatcher, error) {
	if cfg.CostClass == 0 && cfg.CostBBox == 0 && cfg.CostGIoU == 0 {
		return nil, errors.New("matcher: all costs cannot be 0")
	}
	m := &HungarianMatcher{cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Match assigns queries to targets for every image of the batch.
//
// Images are solved concurrently; each solve is sequential. An image without targets
// gets empty primary and secondary assignments.
//
// Arguments:
//   - ctx: Context canceling outstanding solves.
//   - pred: One layer's predictions for the batch. Only logits and boxes are read.
//   - targets: Ground truth, one entry per image.
//
// Returns:
//   - primary: The minimal-cost assignment of every target, per image.
//   - secondary: The minimal-cost assignment over queries not used by primary, per image.
//   - error: A precondition or solver error.
func (m *HungarianMatcher) Match(
	ctx context.Context,
	pred *model.Prediction,
	targets []model.Target,
) (primary, secondary []model.Indices, err error) {
	if err := pred.Validate(); err != nil {
		return nil, nil, err
	}
	nb, _, nc := pred.Dims()
	if len(targets) != nb {
		return nil, nil, errors.Wrapf(model.ErrShapeMismatch, "%d targets for batch of %d", len(targets), nb)
	}
	for i := range targets {
		if err := targets[i].Validate(nc); err != nil {
			return nil, nil, errors.Wrapf(err, "target %d", i)
		}
	}

	primary = make([]model.Indices, nb)
	secondary = make([]model.Indices, nb)

	g, ctx := errgroup.WithContext(ctx)
	if m.cfg.Workers > 0 {
		g.SetLimit(m.cfg.Workers)
	}
	for b := range targets {
		b := b
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cost := m.CostMatrix(pred, b, targets[b])
			p, s, err := assign(cost)
			if err != nil {
				return errors.Wrapf(err, "image %d", b)
			}
			primary[b], secondary[b] = p, s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	m.log.Debug("matched",
		zap.Int("images", nb),
		zap.Int("targets", model.CountBoxes(targets)),
	)
	return primary, secondary, nil
}

// CostMatrix builds the [queries, targets] matching cost of image b. It returns nil when
// the image has no targets.
func (m *HungarianMatcher) CostMatrix(pred *model.Prediction, b int, target model.Target) *mat.Dense {
	n := target.Len()
	if n == 0 {
		return nil
	}
	_, nq, _ := pred.Dims()

	rects := make([]boxes.Rect, n)
	for t, c := range target.Boxes {
		rects[t] = c.Rect()
	}

	cost := mat.NewDense(nq, n, nil)
	for q := 0; q < nq; q++ {
		logits := pred.Logit(b, q)
		box := pred.Box(b, q)
		rect := box.Rect()
		for t := 0; t < n; t++ {
			class := m.classCost(logits[target.Labels[t]])
			l1 := float64(boxes.L1(box, target.Boxes[t]))
			giou := float64(boxes.GeneralizedIoU(rect, rects[t]))
			cost.Set(q, t, m.cfg.CostClass*class+m.cfg.CostBBox*l1+m.cfg.CostGIoU*(1-giou))
		}
	}
	return cost
}

// classCost is the focal-loss difference between predicting the class and not predicting
// it; it falls as the predicted probability rises.
func (m *HungarianMatcher) classCost(logit float32) float64 {
	const eps = 1e-8
	p := 1 / (1 + math.Exp(-float64(logit)))
	alpha, gamma := m.cfg.FocalAlpha, m.cfg.FocalGamma
	neg := (1 - alpha) * math.Pow(p, gamma) * -math.Log(1-p+eps)
	pos := alpha * math.Pow(1-p, gamma) * -math.Log(p+eps)
	return pos - neg
}

// assign solves the primary assignment, then re-solves with the primary rows removed.
func assign(cost *mat.Dense) (primary, secondary model.Indices, err error) {
	empty := model.Indices{Queries: []int{}, Targets: []int{}}
	if cost == nil {
		return empty, empty, nil
	}

	rows, cols, err := LinearSumAssignment(cost)
	if err != nil {
		return empty, empty, err
	}
	primary = model.Indices{Queries: rows, Targets: cols}

	nq, n := cost.Dims()
	used := make([]bool, nq)
	for _, r := range rows {
		used[r] = true
	}
	keep := make([]int, 0, nq-len(rows))
	for q := 0; q < nq; q++ {
		if !used[q] {
			keep = append(keep, q)
		}
	}
	if len(keep) == 0 {
		return primary, empty, nil
	}

	sub := mat.NewDense(len(keep), n, nil)
	for k, q := range keep {
		sub.SetRow(k, cost.RawRowView(q))
	}
	rows2, cols2, err := LinearSumAssignment(sub)
	if err != nil {
		return empty, empty, err
	}
	for k := range rows2 {
		rows2[k] = keep[rows2[k]]
	}
	return primary, model.Indices{Queries: rows2, Targets: cols2}, nil
}
