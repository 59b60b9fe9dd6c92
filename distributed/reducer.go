// Package distributed - collective reductions shared by the workers of one training job.
package distributed

import (
	"context"

	"github.com/pkg/errors"
)

// ErrSizeMismatch is returned when members of one collective round contribute vectors of
// different lengths.
var ErrSizeMismatch = errors.New("distributed: contribution size mismatch")

// Reducer is the collective capability the loss criterion depends on.
//
// Every worker of a job must call Sum exactly once per round, in the same order, even
// when its local contribution is zero; a worker that skips a round blocks the others.
type Reducer interface {
	// Sum returns the element-wise sum of values across all workers.
	Sum(ctx context.Context, values []float64) ([]float64, error)
	// WorldSize returns the number of participating workers.
	WorldSize() int
}

// Local is the single-process Reducer: Sum is the identity and the world has one member.
type Local struct{}

// Sum returns a copy of values.
func (Local) Sum(_ context.Context, values []float64) ([]float64, error) {
	out := make([]float64, len(values))
	copy(out, values)
	return out, nil
}

// WorldSize returns 1.
func (Local) WorldSize() int { return 1 }

// NumBoxes computes the shared normalization denominator of a training step: the total
// number of ground-truth boxes across all workers divided by the world size, floored at
// one so that losses never divide by zero.
//
// Arguments:
//   - ctx: Context bounding the collective wait.
//   - r: The reducer shared by all workers.
//   - local: The number of ground-truth boxes in this worker's batch.
//
// Returns:
//   - float64: max(sum / world, 1).
//   - error: An error if the collective fails.
func NumBoxes(ctx context.Context, r Reducer, local int) (float64, error) {
	sums, err := r.Sum(ctx, []float64{float64(local)})
	if err != nil {
		return 0, errors.Wrap(err, "failed to reduce num_boxes")
	}
	world := r.WorldSize()
	if world < 1 {
		world = 1
	}
	return max(sums[0]/float64(world), 1), nil
}
