// Package training - One optimisation step of the detection head.
package training

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detr/models/deformable"
	"github.com/nvr-ai/go-detr/models/model"
	"github.com/nvr-ai/go-detr/profiler"
)

// Phase names recorded by the trainer.
const (
	PhaseForward   = "forward"
	PhaseCriterion = "criterion"
	PhaseBackward  = "backward"
)

// StepResult is the outcome of one training step.
type StepResult struct {
	Losses   map[string]float64
	Total    float64
	NumBoxes float64
	Timings  map[string]time.Duration
}

// Trainer runs forward, criterion, backward and an SGD update on a detector.
type Trainer struct {
	det     *deformable.Detector
	lr      float32
	tracker *profiler.Tracker
	log     *zap.Logger
	step    int64
}

// New creates a trainer.
//
// Arguments:
//   - det: The detector to train.
//   - lr: SGD learning rate.
//   - tracker: Receives phase timings and the total loss; nil creates a private tracker.
//   - log: Logger; nil disables logging.
//
// Returns:
//   - *Trainer: The trainer.
//   - error: A missing detector or non-positive learning rate.
func New(det *deformable.Detector, lr float32, tracker *profiler.Tracker, log *zap.Logger) (*Trainer, error) {
	if det == nil || det.Head == nil || det.Criterion == nil {
		return nil, errors.New("training: detector with head and criterion is required")
	}
	if lr <= 0 {
		return nil, errors.Errorf("training: learning rate must be positive, got %v", lr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if tracker == nil {
		tracker = profiler.NewTracker(profiler.Options{Logger: log})
	}
	return &Trainer{det: det, lr: lr, tracker: tracker, log: log}, nil
}

// Tracker returns the trainer's timing tracker.
func (t *Trainer) Tracker() *profiler.Tracker { return t.tracker }

// Step runs one training step on a batch.
//
// Arguments:
//   - ctx: Context for the criterion's collective and matcher.
//   - in: Transformer outputs for the batch.
//   - targets: Ground truth, one entry per image.
//
// Returns:
//   - *StepResult: Losses, weighted total and phase timings.
//   - error: A failure in any phase; parameters are only updated when every phase succeeds.
func (t *Trainer) Step(ctx context.Context, in deformable.Input, targets []model.Target) (*StepResult, error) {
	timings := make(map[string]time.Duration, 3)

	done := t.tracker.StartOperation(PhaseForward)
	out, err := t.det.Head.Forward(in)
	timings[PhaseForward] = done()
	if err != nil {
		return nil, errors.Wrap(err, "forward")
	}

	done = t.tracker.StartOperation(PhaseCriterion)
	res, err := t.det.Criterion.Forward(ctx, out, targets)
	timings[PhaseCriterion] = done()
	if err != nil {
		return nil, errors.Wrap(err, "criterion")
	}

	done = t.tracker.StartOperation(PhaseBackward)
	grads, err := t.det.Head.Backward(in, res.Grads)
	timings[PhaseBackward] = done()
	if err != nil {
		return nil, errors.Wrap(err, "backward")
	}

	t.det.Head.Apply(grads, t.lr)
	t.step++
	t.tracker.RecordMetric("loss", res.Total)

	t.log.Info("training step",
		zap.Int64("step", t.step),
		zap.Float64("loss", res.Total),
		zap.Float64("num_boxes", res.NumBoxes),
		zap.Duration(PhaseForward, timings[PhaseForward]),
		zap.Duration(PhaseCriterion, timings[PhaseCriterion]),
		zap.Duration(PhaseBackward, timings[PhaseBackward]),
	)
	return &StepResult{Losses: res.Losses, Total: res.Total, NumBoxes: res.NumBoxes, Timings: timings}, nil
}
