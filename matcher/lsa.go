package matcher

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInfeasible is returned when a cost matrix admits no finite assignment or holds NaN
// entries.
var ErrInfeasible = errors.New("cost matrix is infeasible")

// LinearSumAssignment solves the rectangular linear sum assignment problem exactly: it
// picks min(rows, cols) pairs (row, col), each row and column used at most once, with
// minimal total cost.
//
// The solver is the shortest augmenting path method of Jonker and Volgenant as refined
// by Crouse for rectangular inputs. Rows are added one at a time, each by a Dijkstra
// search over reduced costs, so a solve is O(n^2 m) and strictly sequential.
//
// Arguments:
//   - cost: The [rows, cols] cost matrix. +Inf marks forbidden pairs; NaN and -Inf are
//     rejected.
//
// Returns:
//   - rows: Selected row indices in ascending order.
//   - cols: The column assigned to each entry of rows.
//   - error: ErrInfeasible when no complete assignment with finite cost exists.
func LinearSumAssignment(cost mat.Matrix) (rows, cols []int, err error) {
	nr, nc := cost.Dims()
	if nr == 0 || nc == 0 {
		return []int{}, []int{}, nil
	}

	transposed := nr > nc
	var c *mat.Dense
	if transposed {
		c = mat.DenseCopyOf(cost.T())
		nr, nc = nc, nr
	} else {
		c = mat.DenseCopyOf(cost)
	}

	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			v := c.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, -1) {
				return nil, nil, errors.Wrapf(ErrInfeasible, "entry (%d, %d) is %v", i, j, v)
			}
		}
	}

	s := newSolver(c, nr, nc)
	for cur := 0; cur < nr; cur++ {
		if err := s.augment(cur); err != nil {
			return nil, nil, err
		}
	}

	rows = make([]int, nr)
	cols = make([]int, nr)
	if !transposed {
		for i := 0; i < nr; i++ {
			rows[i], cols[i] = i, s.col4row[i]
		}
		return rows, cols, nil
	}

	order := make([]int, nr)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return s.col4row[order[a]] < s.col4row[order[b]] })
	for k, i := range order {
		rows[k], cols[k] = s.col4row[i], i
	}
	return rows, cols, nil
}

type solver struct {
	c      *mat.Dense
	nr, nc int

	u, v      []float64
	shortest  []float64
	path      []int
	col4row   []int
	row4col   []int
	sr, sc    []bool
	remaining []int
}

func newSolver(c *mat.Dense, nr, nc int) *solver {
	s := &solver{
		c:         c,
		nr:        nr,
		nc:        nc,
		u:         make([]float64, nr),
		v:         make([]float64, nc),
		shortest:  make([]float64, nc),
		path:      make([]int, nc),
		col4row:   make([]int, nr),
		row4col:   make([]int, nc),
		sr:        make([]bool, nr),
		sc:        make([]bool, nc),
		remaining: make([]int, nc),
	}
	for i := range s.col4row {
		s.col4row[i] = -1
	}
	for j := range s.row4col {
		s.row4col[j] = -1
		s.path[j] = -1
	}
	return s
}

// augment adds row cur to the matching along a shortest augmenting path and updates the
// dual variables.
func (s *solver) augment(cur int) error {
	sink, minVal := s.shortestPath(cur)
	if sink < 0 {
		return errors.Wrapf(ErrInfeasible, "row %d has no finite augmenting path", cur)
	}

	s.u[cur] += minVal
	for i := 0; i < s.nr; i++ {
		if s.sr[i] && i != cur {
			s.u[i] += minVal - s.shortest[s.col4row[i]]
		}
	}
	for j := 0; j < s.nc; j++ {
		if s.sc[j] {
			s.v[j] -= minVal - s.shortest[j]
		}
	}

	j := sink
	for {
		i := s.path[j]
		s.row4col[j] = i
		s.col4row[i], j = j, s.col4row[i]
		if i == cur {
			break
		}
	}
	return nil
}

func (s *solver) shortestPath(cur int) (int, float64) {
	minVal := 0.0
	n := s.nc
	for k := 0; k < s.nc; k++ {
		s.remaining[k] = s.nc - k - 1
		s.shortest[k] = math.Inf(1)
		s.sc[k] = false
	}
	for i := range s.sr {
		s.sr[i] = false
	}

	sink := -1
	i := cur
	for sink == -1 {
		index := -1
		lowest := math.Inf(1)
		s.sr[i] = true

		for k := 0; k < n; k++ {
			j := s.remaining[k]
			r := minVal + s.c.At(i, j) - s.u[i] - s.v[j]
			if r < s.shortest[j] {
				s.path[j] = i
				s.shortest[j] = r
			}
			// Prefer a free column on ties so the search ends early.
			if s.shortest[j] < lowest || (s.shortest[j] == lowest && s.row4col[j] == -1) {
				lowest = s.shortest[j]
				index = k
			}
		}

		minVal = lowest
		if math.IsInf(minVal, 1) {
			return -1, minVal
		}

		j := s.remaining[index]
		if s.row4col[j] == -1 {
			sink = j
		} else {
			i = s.row4col[j]
		}
		s.sc[j] = true
		n--
		s.remaining[index] = s.remaining[n]
	}
	return sink, minVal
}
