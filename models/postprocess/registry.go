package postprocess

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detr/models/model"
)

// Mode names a post-processor.
type Mode string

const (
	// ModeBBox is the Top-K post-processor.
	ModeBBox Mode = "bbox"
	// ModeNMS is the class-aware NMS post-processor.
	ModeNMS Mode = "nms"
)

// Processor turns final-layer predictions into detections in absolute pixels.
type Processor interface {
	Process(ctx context.Context, pred *model.Prediction, sizes []Size) ([][]Result, error)
}

// Options configures the post-processors.
type Options struct {
	// Mode selects the processor built by New.
	Mode Mode `json:"mode" yaml:"mode" koanf:"mode"`
	// TopK is the number of detections kept per image.
	TopK int `json:"top_k" yaml:"top_k" koanf:"topk"`
	// NMSThreshold is the IoU above which a same-class box is suppressed.
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold" koanf:"nmsthreshold"`
	// PreCandidates caps the candidates entering NMS.
	PreCandidates int `json:"pre_candidates" yaml:"pre_candidates" koanf:"precandidates"`
	// Clip restricts boxes to the image.
	Clip bool `json:"clip" yaml:"clip" koanf:"clip"`
	// Workers bounds the classes suppressed concurrently.
	Workers int `json:"workers" yaml:"workers" koanf:"workers"`
}

// DefaultOptions returns the evaluation defaults.
func DefaultOptions() Options {
	return Options{
		Mode:          ModeBBox,
		TopK:          100,
		NMSThreshold:  0.7,
		PreCandidates: 10000,
		Clip:          true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TopK <= 0 {
		o.TopK = d.TopK
	}
	if o.NMSThreshold <= 0 {
		o.NMSThreshold = d.NMSThreshold
	}
	if o.PreCandidates <= 0 {
		o.PreCandidates = d.PreCandidates
	}
	return o
}

// New creates the post-processor selected by opts.Mode.
//
// Arguments:
//   - opts: Post-processor options. An empty mode selects Top-K.
//
// Returns:
//   - Processor: The configured post-processor.
//   - error: An error if the mode is unsupported.
func New(opts Options) (Processor, error) {
	switch opts.Mode {
	case ModeBBox, "":
		return NewTopK(opts), nil
	case ModeNMS:
		return NewNMS(opts), nil
	default:
		return nil, errors.Errorf("unsupported post-processor: %s", opts.Mode)
	}
}
