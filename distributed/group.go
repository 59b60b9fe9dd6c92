package distributed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Group is an in-process Reducer shared by a fixed number of goroutines acting as
// workers. Each Sum call blocks until every member has contributed to the current round.
// A member whose context ends first withdraws from the round it joined.
type Group struct {
	size int

	mu  sync.Mutex
	cur *round
}

type round struct {
	sum     []float64
	arrived int
	err     error
	done    chan struct{}
}

// NewGroup creates a Group with size members.
func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}
	return &Group{size: size}
}

// Sum contributes values to the current round and waits for the remaining members.
func (g *Group) Sum(ctx context.Context, values []float64) ([]float64, error) {
	g.mu.Lock()
	r := g.cur
	if r == nil {
		r = &round{sum: make([]float64, len(values)), done: make(chan struct{})}
		g.cur = r
	}
	added := len(values) == len(r.sum)
	if !added {
		r.err = errors.Wrapf(ErrSizeMismatch, "got %d values, round holds %d", len(values), len(r.sum))
	} else {
		for i, v := range values {
			r.sum[i] += v
		}
	}
	r.arrived++
	if r.arrived == g.size {
		g.cur = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		if g.leave(r, values, added) {
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	out := make([]float64, len(r.sum))
	copy(out, r.sum)
	return out, nil
}

// leave takes a member's contribution back out of r. It reports false when r completed
// in the meantime, in which case the member keeps the result.
func (g *Group) leave(r *round, values []float64, added bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-r.done:
		return false
	default:
	}
	if added {
		for i, v := range values {
			r.sum[i] -= v
		}
	}
	r.arrived--
	if r.arrived == 0 {
		g.cur = nil
	}
	return true
}

// WorldSize returns the number of members.
func (g *Group) WorldSize() int { return g.size }
