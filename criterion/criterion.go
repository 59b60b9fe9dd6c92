// Package criterion - the set-prediction loss of a deformable detector.
//
// A SetCriterion matches every decoder layer's predictions to the ground truth, then
// evaluates the requested loss handlers on the matched pairs. Besides the scalar loss
// dictionary it returns the gradient of the weighted total with respect to every output
// tensor; the matching itself and the objectness soft targets are treated as constants.
package criterion

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detr/distributed"
	"github.com/nvr-ai/go-detr/models/model"
)

// Loss handler names.
const (
	LossLabels      = "labels"
	LossCardinality = "cardinality"
	LossBoxes       = "boxes"
	LossObjs        = "objs"
	LossEObjs       = "eobjs"
	LossMasks       = "masks"
)

// ErrUnknownLoss is returned for a loss name without a handler.
var ErrUnknownLoss = errors.New("unknown loss")

// Matcher computes the primary and secondary assignments of one layer.
type Matcher interface {
	Match(ctx context.Context, pred *model.Prediction, targets []model.Target) (primary, secondary []model.Indices, err error)
}

// Config selects the loss handlers and their hyper-parameters.
type Config struct {
	// Losses lists the handlers to run, in order.
	Losses []string `json:"losses" yaml:"losses" koanf:"losses"`
	// FocalAlpha balances positives and negatives in the focal losses.
	FocalAlpha float64 `json:"focal_alpha" yaml:"focal_alpha" koanf:"focalalpha"`
	// FocalGamma is the focal modulation exponent.
	FocalGamma float64 `json:"focal_gamma" yaml:"focal_gamma" koanf:"focalgamma"`
	// ObjThreshold is the GIoU above which a matched pair is a positive objectness example.
	ObjThreshold float64 `json:"obj_threshold" yaml:"obj_threshold" koanf:"objthreshold"`
	// ObjBlend weighs GIoU against class mass in the objs target.
	ObjBlend float64 `json:"obj_blend" yaml:"obj_blend" koanf:"objblend"`
	// ObjClassSlots is how many leading class columns form the class mass.
	ObjClassSlots int `json:"obj_class_slots" yaml:"obj_class_slots" koanf:"objclassslots"`
	// NegativeTarget is the objectness target of negative examples.
	NegativeTarget float64 `json:"negative_target" yaml:"negative_target" koanf:"negativetarget"`
}

// DefaultConfig returns the training defaults without the mask losses.
func DefaultConfig() Config {
	return Config{
		Losses:         []string{LossLabels, LossBoxes, LossCardinality, LossObjs, LossEObjs},
		FocalAlpha:     0.25,
		FocalGamma:     2,
		ObjThreshold:   0.6,
		ObjBlend:       0.6,
		ObjClassSlots:  20,
		NegativeTarget: 0.5,
	}
}

// Option configures a SetCriterion.
type Option func(*SetCriterion)

// WithReducer sets the collective used to normalize by the job-wide box count.
func WithReducer(r distributed.Reducer) Option {
	return func(c *SetCriterion) {
		if r != nil {
			c.reducer = r
		}
	}
}

// WithLogger sets the criterion's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *SetCriterion) {
		if log != nil {
			c.log = log
		}
	}
}

// SetCriterion computes the detector's training loss.
type SetCriterion struct {
	cfg     Config
	matcher Matcher
	weights WeightDict
	reducer distributed.Reducer
	log     *zap.Logger
}

// New creates a criterion.
//
// Arguments:
//   - cfg: Handlers and hyper-parameters.
//   - matcher: The assignment solver.
//   - weights: Per-key weights of the total loss.
//   - opts: Optional reducer and logger. Without a reducer the criterion runs single-process.
//
// Returns:
//   - *SetCriterion: The criterion.
//   - error: ErrUnknownLoss when cfg names a handler that does not exist.
func New(cfg Config, matcher Matcher, weights WeightDict, opts ...Option) (*SetCriterion, error) {
	if matcher == nil {
		return nil, errors.New("criterion: matcher is required")
	}
	for _, name := range cfg.Losses {
		if !knownLoss(name) {
			return nil, errors.Wrapf(ErrUnknownLoss, "do you really want to compute %q loss?", name)
		}
	}
	c := &SetCriterion{
		cfg:     cfg,
		matcher: matcher,
		weights: weights,
		reducer: distributed.Local{},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Weights returns the weight dictionary.
func (c *SetCriterion) Weights() WeightDict { return c.weights }

// Result is the outcome of one criterion evaluation.
type Result struct {
	// Losses holds every unweighted loss and logging metric, keyed with layer suffixes.
	Losses map[string]float64
	// Total is the weighted sum of the losses present in the weight dictionary.
	Total float64
	// NumBoxes is the normalization denominator used by every handler.
	NumBoxes float64
	// Grads is d(Total)/d(output), laid out like the evaluated outputs.
	Grads *model.Outputs
	// Primary holds the final layer's primary assignment.
	Primary []model.Indices
	// Secondary holds the final layer's secondary assignment.
	Secondary []model.Indices
}

// layer is the state one handler invocation works on.
type layer struct {
	pred      *model.Prediction
	grad      *model.Prediction
	targets   []model.Target
	primary   []model.Indices
	secondary []model.Indices
	numBoxes  float64
	suffix    string
	log       bool
}

// Forward evaluates the criterion for one training step.
//
// The job-wide box count is reduced first and unconditionally, so every worker takes
// part in the collective even when its batch is empty or its outputs are malformed.
// Then the final layer, every auxiliary layer (keys suffixed _0, _1, ...; no mask loss)
// and the encoder proposals (binary targets; labels, boxes and cardinality only; keys
// suffixed _enc) are matched and evaluated.
//
// Arguments:
//   - ctx: Context for the collective and the matcher.
//   - out: Head outputs.
//   - targets: Ground truth, one entry per image.
//
// Returns:
//   - *Result: Losses, total, and output gradients.
//   - error: A precondition violation, matcher failure or collective failure.
func (c *SetCriterion) Forward(ctx context.Context, out *model.Outputs, targets []model.Target) (*Result, error) {
	numBoxes, err := distributed.NumBoxes(ctx, c.reducer, model.CountBoxes(targets))
	if err != nil {
		return nil, err
	}

	if out == nil {
		return nil, errors.Wrap(model.ErrMissingOutput, "outputs")
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if nb, _, _ := out.Dims(); nb != len(targets) {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "%d targets for batch of %d", len(targets), nb)
	}

	grads := out.ZerosLike()
	res := &Result{
		Losses:   make(map[string]float64),
		NumBoxes: numBoxes,
		Grads:    grads,
	}

	final, err := c.match(ctx, &out.Prediction, &grads.Prediction, targets, "")
	if err != nil {
		return nil, err
	}
	final.numBoxes = numBoxes
	final.log = true
	res.Primary, res.Secondary = final.primary, final.secondary
	if err := c.run(final, res.Losses, nil); err != nil {
		return nil, err
	}

	for i := range out.Aux {
		if err := out.Aux[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "aux_outputs[%d]", i)
		}
		aux, err := c.match(ctx, &out.Aux[i], &grads.Aux[i], targets, fmt.Sprintf("_%d", i))
		if err != nil {
			return nil, err
		}
		aux.numBoxes = numBoxes
		if err := c.run(aux, res.Losses, map[string]bool{LossMasks: true}); err != nil {
			return nil, err
		}
	}

	if out.Enc != nil {
		if err := out.Enc.Validate(); err != nil {
			return nil, errors.Wrap(err, "enc_outputs")
		}
		enc, err := c.match(ctx, out.Enc, grads.Enc, model.BinaryTargets(targets), "_enc")
		if err != nil {
			return nil, err
		}
		enc.numBoxes = numBoxes
		skip := map[string]bool{LossMasks: true, LossObjs: true, LossEObjs: true}
		if err := c.run(enc, res.Losses, skip); err != nil {
			return nil, err
		}
	}

	res.Total = c.weights.Total(res.Losses)
	c.log.Debug("criterion",
		zap.Float64("num_boxes", numBoxes),
		zap.Int("layers", 1+len(out.Aux)),
		zap.Bool("enc", out.Enc != nil),
		zap.Float64("total", res.Total),
	)
	return res, nil
}

func (c *SetCriterion) match(
	ctx context.Context,
	pred, grad *model.Prediction,
	targets []model.Target,
	suffix string,
) (*layer, error) {
	primary, secondary, err := c.matcher.Match(ctx, pred, targets)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to match layer %q", suffix)
	}
	if len(primary) != len(targets) || len(secondary) != len(targets) {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "matcher returned %d/%d assignments for %d images",
			len(primary), len(secondary), len(targets))
	}
	return &layer{
		pred:      pred,
		grad:      grad,
		targets:   targets,
		primary:   primary,
		secondary: secondary,
		suffix:    suffix,
	}, nil
}

func (c *SetCriterion) run(l *layer, losses map[string]float64, skip map[string]bool) error {
	for _, name := range c.cfg.Losses {
		if skip[name] {
			continue
		}
		if err := c.apply(name, l, losses); err != nil {
			return errors.Wrapf(err, "loss %s%s", name, l.suffix)
		}
	}
	return nil
}

// apply dispatches one loss handler.
func (c *SetCriterion) apply(name string, l *layer, losses map[string]float64) error {
	switch name {
	case LossLabels:
		return c.lossLabels(l, losses)
	case LossCardinality:
		return c.lossCardinality(l, losses)
	case LossBoxes:
		return c.lossBoxes(l, losses)
	case LossObjs:
		return c.lossObjectness(l, losses, "loss_object", true)
	case LossEObjs:
		return c.lossObjectness(l, losses, "loss_eobject", false)
	case LossMasks:
		return c.lossMasks(l, losses)
	default:
		return errors.Wrapf(ErrUnknownLoss, "%q", name)
	}
}

// weight returns the weight of key with the layer suffix applied; keys outside the
// dictionary do not contribute to the total and receive no gradient.
func (c *SetCriterion) weight(l *layer, key string) float64 {
	return c.weights[key+l.suffix]
}

func knownLoss(name string) bool {
	switch name {
	case LossLabels, LossCardinality, LossBoxes, LossObjs, LossEObjs, LossMasks:
		return true
	}
	return false
}

// WeightDict maps loss keys to their weight in the total loss.
type WeightDict map[string]float64

// Coefficients are the base loss weights.
type Coefficients struct {
	Class  float64 `json:"cls" yaml:"cls" koanf:"clscoef"`
	BBox   float64 `json:"bbox" yaml:"bbox" koanf:"bboxcoef"`
	GIoU   float64 `json:"giou" yaml:"giou" koanf:"gioucoef"`
	Object float64 `json:"obj" yaml:"obj" koanf:"objcoef"`
	Mask   float64 `json:"mask" yaml:"mask" koanf:"maskcoef"`
	Dice   float64 `json:"dice" yaml:"dice" koanf:"dicecoef"`
}

// DefaultCoefficients returns the training defaults.
func DefaultCoefficients() Coefficients {
	return Coefficients{Class: 2, BBox: 5, GIoU: 2, Object: 1, Mask: 1, Dice: 1}
}

// BuildWeightDict builds the weight dictionary for a detector configuration. With
// auxiliary loss on, every base key is repeated with suffix _i for the first decLayers-1
// decoder layers and with suffix _enc.
func BuildWeightDict(coef Coefficients, decLayers int, auxLoss, masks bool) WeightDict {
	base := WeightDict{
		"loss_ce":      coef.Class,
		"loss_bbox":    coef.BBox,
		"loss_giou":    coef.GIoU,
		"loss_object":  coef.Object,
		"loss_eobject": coef.Object,
	}
	if masks {
		base["loss_mask"] = coef.Mask
		base["loss_dice"] = coef.Dice
	}

	out := WeightDict{}
	for k, v := range base {
		out[k] = v
	}
	if auxLoss {
		for i := 0; i < decLayers-1; i++ {
			for k, v := range base {
				out[fmt.Sprintf("%s_%d", k, i)] = v
			}
		}
		for k, v := range base {
			out[k+"_enc"] = v
		}
	}
	return out
}

// Total returns the weighted sum of the losses whose keys are in the dictionary.
func (w WeightDict) Total(losses map[string]float64) float64 {
	keys := make([]string, 0, len(losses))
	for k := range losses {
		keys = append(keys, k)
	}
	// Summation order is fixed so totals are reproducible.
	sort.Strings(keys)

	total := 0.0
	for _, k := range keys {
		if wt, ok := w[k]; ok {
			total += wt * losses[k]
		}
	}
	return total
}
