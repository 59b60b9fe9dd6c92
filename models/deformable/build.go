package deformable

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detr/criterion"
	"github.com/nvr-ai/go-detr/distributed"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/model"
	"github.com/nvr-ai/go-detr/models/postprocess"
)

// BuildOptions collects everything needed to assemble a trainable detector.
type BuildOptions struct {
	Model        model.Options
	Matcher      matcher.Config
	Loss         criterion.Config
	Coefficients criterion.Coefficients
	PostProcess  postprocess.Options
	// Reducer synchronizes the box count across workers. Nil means single-process.
	Reducer distributed.Reducer
	Logger  *zap.Logger
}

// DefaultBuildOptions returns the COCO training defaults.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Model:        model.DefaultOptions(),
		Matcher:      matcher.DefaultConfig(),
		Loss:         criterion.DefaultConfig(),
		Coefficients: criterion.DefaultCoefficients(),
		PostProcess:  postprocess.DefaultOptions(),
	}
}

// Detector is an assembled head, criterion and post-processor.
type Detector struct {
	Head          *Head
	Criterion     *criterion.SetCriterion
	PostProcessor postprocess.Processor
}

// Build assembles a detector.
//
// The loss handler list defaults to labels, boxes, cardinality, objs and eobjs, with
// masks appended when segmentation is on. The weight dictionary follows the decoder
// depth and auxiliary loss setting.
//
// Arguments:
//   - opts: Model, matcher, loss and post-processing settings.
//
// Returns:
//   - *Detector: The assembled components.
//   - error: Invalid options.
func Build(opts BuildOptions) (*Detector, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	head, err := New(opts.Model)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build head")
	}

	m, err := matcher.New(opts.Matcher, matcher.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build matcher")
	}

	loss := opts.Loss
	if len(loss.Losses) == 0 {
		loss.Losses = criterion.DefaultConfig().Losses
	}
	if opts.Model.Masks && !contains(loss.Losses, criterion.LossMasks) {
		loss.Losses = append(append([]string(nil), loss.Losses...), criterion.LossMasks)
	}
	weights := criterion.BuildWeightDict(opts.Coefficients, opts.Model.DecLayers, opts.Model.AuxLoss, opts.Model.Masks)
	crit, err := criterion.New(loss, m, weights, criterion.WithReducer(opts.Reducer), criterion.WithLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build criterion")
	}

	post, err := postprocess.New(opts.PostProcess)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build post-processor")
	}

	log.Info("detector built",
		zap.Int("slots", len(head.Slots())),
		zap.Int("params", len(head.Params())),
		zap.Strings("losses", loss.Losses),
		zap.String("postprocess", string(opts.PostProcess.Mode)),
	)
	return &Detector{Head: head, Criterion: crit, PostProcessor: post}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
