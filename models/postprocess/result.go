// Package postprocess - Converts raw head outputs into per-image detections.
package postprocess

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detr/boxes"
	"github.com/nvr-ai/go-detr/models/model"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result in absolute pixels.
	Box boxes.Rect `json:"box"`
	// The confidence score of the result.
	Score float32 `json:"score"`
	// The predicted class index of the result.
	Class int `json:"class"`
	// The label of the class, empty unless the caller names results.
	Name string `json:"name,omitempty"`
	// The query that produced the result.
	Query int `json:"query"`
	// The objectness score of the query, zero when the head has none.
	Objectness float32 `json:"objectness"`
}

// Size is the true (pre-padding) size of an image.
type Size struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// ErrInvalidSize is returned for a non-positive image size.
var ErrInvalidSize = errors.New("invalid image size")

func validate(pred *model.Prediction, sizes []Size) error {
	if err := pred.Validate(); err != nil {
		return err
	}
	if b, _, _ := pred.Dims(); b != len(sizes) {
		return errors.Wrapf(model.ErrShapeMismatch, "%d sizes for batch of %d", len(sizes), b)
	}
	for i, s := range sizes {
		if s.Height <= 0 || s.Width <= 0 {
			return errors.Wrapf(ErrInvalidSize, "image %d: %dx%d", i, s.Width, s.Height)
		}
	}
	return nil
}

// scores returns the sigmoid score of every (query, class) cell of image b, flattened
// query-major.
func scores(pred *model.Prediction, b int) []float32 {
	_, nq, nc := pred.Dims()
	logits := model.Floats(pred.Logits)[b*nq*nc : (b+1)*nq*nc]
	out := make([]float32, len(logits))
	for i, x := range logits {
		out[i] = 1 / (1 + math32.Exp(-x))
	}
	return out
}

// rank returns the indices of the limit highest scores, highest first. Equal scores
// keep their flat index order.
func rank(s []float32, limit int) []int {
	idx := make([]int, len(s))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return s[idx[a]] > s[idx[b]] })
	if limit < len(idx) {
		idx = idx[:limit]
	}
	return idx
}

// detection builds the result for flat cell index flat of image b.
func detection(pred *model.Prediction, b, flat int, score float32, size Size, clip bool) Result {
	_, _, nc := pred.Dims()
	q, c := flat/nc, flat%nc
	w, h := float32(size.Width), float32(size.Height)

	box := pred.Box(b, q).Rect().Scale(w, h)
	if clip {
		box = box.Clip(w, h)
	}
	r := Result{Box: box, Score: score, Class: c, Query: q}
	if pred.Objectness != nil {
		r.Objectness = pred.Object(b, q)
	}
	return r
}
