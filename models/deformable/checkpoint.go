package deformable

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detr/models/model"
)

// Checkpoint is the serialized form of a head: its options and every distinct parameter.
type Checkpoint struct {
	Options model.Options         `json:"options"`
	Params  map[string]ParamState `json:"params"`
}

// ParamState is one serialized parameter.
type ParamState struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Save writes the head's parameters as JSON.
func (h *Head) Save(w io.Writer) error {
	ck := Checkpoint{Options: h.opts, Params: make(map[string]ParamState)}
	for _, p := range h.Params() {
		ck.Params[p.Name] = ParamState{Shape: []int(p.Value.Shape()), Data: p.data()}
	}
	if err := json.NewEncoder(w).Encode(ck); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

// Load replaces the head's parameters with those of a checkpoint written by Save. The
// checkpoint must hold exactly the head's parameters with matching shapes; on error the
// head is unchanged.
//
// Arguments:
//   - r: The checkpoint source.
//
// Returns:
//   - error: A decode error or a checkpoint that does not fit the head.
func (h *Head) Load(r io.Reader) error {
	var ck Checkpoint
	if err := json.NewDecoder(r).Decode(&ck); err != nil {
		return errors.Wrap(err, "failed to decode checkpoint")
	}

	params := h.Params()
	if len(ck.Params) != len(params) {
		return errors.Wrapf(model.ErrShapeMismatch, "checkpoint has %d parameters, head has %d", len(ck.Params), len(params))
	}
	for _, p := range params {
		st, ok := ck.Params[p.Name]
		if !ok {
			return errors.Errorf("checkpoint is missing parameter %s", p.Name)
		}
		s := p.Value.Shape()
		if len(st.Shape) != len(s) || len(st.Data) != len(p.data()) {
			return errors.Wrapf(model.ErrShapeMismatch, "parameter %s: checkpoint %v, head %v", p.Name, st.Shape, []int(s))
		}
		for i := range s {
			if st.Shape[i] != s[i] {
				return errors.Wrapf(model.ErrShapeMismatch, "parameter %s: checkpoint %v, head %v", p.Name, st.Shape, []int(s))
			}
		}
	}
	for _, p := range params {
		copy(p.data(), ck.Params[p.Name].Data)
	}
	return nil
}
