package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detr/boxes"
)

func newPrediction(b, q, c int) *Prediction {
	return &Prediction{
		Logits:     Zeros(b, q, c),
		Boxes:      Zeros(b, q, 4),
		Objectness: Zeros(b, q),
	}
}

// TestPredictionValidate covers missing tensors and inconsistent shapes.
func TestPredictionValidate(t *testing.T) {
	tests := []struct {
		name    string
		pred    *Prediction
		wantErr error
	}{
		{"valid", newPrediction(2, 5, 3), nil},
		{"nil", nil, ErrMissingOutput},
		{"missing boxes", &Prediction{Logits: Zeros(1, 5, 3)}, ErrMissingOutput},
		{"wrong logit rank", &Prediction{Logits: Zeros(5, 3), Boxes: Zeros(1, 5, 4)}, ErrShapeMismatch},
		{"box query mismatch", &Prediction{Logits: Zeros(1, 5, 3), Boxes: Zeros(1, 4, 4)}, ErrShapeMismatch},
		{"objectness mismatch", &Prediction{Logits: Zeros(1, 5, 3), Boxes: Zeros(1, 5, 4), Objectness: Zeros(2, 5)}, ErrShapeMismatch},
		{"mask mismatch", &Prediction{Logits: Zeros(1, 5, 3), Boxes: Zeros(1, 5, 4), Masks: Zeros(1, 4, 8, 8)}, ErrShapeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pred.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// TestPredictionAccessors checks the row-major offsets of the accessors.
func TestPredictionAccessors(t *testing.T) {
	p := newPrediction(2, 3, 2)
	Floats(p.Logits)[(1*3+2)*2+1] = 7
	copy(Floats(p.Boxes)[(1*3+1)*4:], []float32{0.1, 0.2, 0.3, 0.4})
	Floats(p.Objectness)[1*3+2] = 0.9

	assert.Equal(t, []float32{0, 7}, p.Logit(1, 2))
	assert.Equal(t, boxes.Center{Cx: 0.1, Cy: 0.2, W: 0.3, H: 0.4}, p.Box(1, 1))
	assert.Equal(t, float32(0.9), p.Object(1, 2))

	b, q, c := p.Dims()
	assert.Equal(t, []int{2, 3, 2}, []int{b, q, c})
}

func TestOutputsZerosLike(t *testing.T) {
	enc := *newPrediction(1, 4, 1)
	out := &Outputs{
		Prediction: *newPrediction(1, 4, 3),
		Aux:        []Prediction{*newPrediction(1, 4, 3)},
		Enc:        &enc,
	}
	Floats(out.Logits)[0] = 3

	g := out.ZerosLike()
	require.Len(t, g.Aux, 1)
	require.NotNil(t, g.Enc)
	assert.Nil(t, g.Masks)
	assert.Equal(t, out.Logits.Shape(), g.Logits.Shape())
	assert.Equal(t, float32(0), Floats(g.Logits)[0])
	assert.Equal(t, []int{1, 4, 1}, []int(g.Enc.Logits.Shape()))
}

func TestTargets(t *testing.T) {
	ts := []Target{
		{Labels: []int{3, 1}, Boxes: make([]boxes.Center, 2)},
		{},
		{Labels: []int{2}, Boxes: make([]boxes.Center, 1)},
	}
	assert.Equal(t, 3, CountBoxes(ts))

	bin := BinaryTargets(ts)
	assert.Equal(t, []int{0, 0}, bin[0].Labels)
	assert.Equal(t, []int{3, 1}, ts[0].Labels, "originals are untouched")

	assert.NoError(t, ts[0].Validate(4))
	assert.Error(t, ts[0].Validate(3))
	assert.ErrorIs(t, Target{Labels: []int{1}}.Validate(4), ErrShapeMismatch)
}

func TestTargetMasksJSON(t *testing.T) {
	in := Target{
		Labels: []int{4, 7},
		Boxes:  []boxes.Center{{Cx: 0.5, Cy: 0.5, W: 0.2, H: 0.2}, {Cx: 0.3, Cy: 0.6, W: 0.1, H: 0.4}},
		Masks:  NewTensor([]float32{1, 0, 0, 1, 1, 0, 0, 0, 1, 1, 0, 1}, 2, 2, 3),
		Size:   [2]int{40, 60},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"masks":{"shape":[2,2,3]`)

	var out Target
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.Labels, out.Labels)
	assert.Equal(t, in.Size, out.Size)
	require.NotNil(t, out.Masks)
	assert.Equal(t, []int{2, 2, 3}, []int(out.Masks.Shape()))
	assert.Equal(t, Floats(in.Masks), Floats(out.Masks))
	assert.NoError(t, out.Validate(91))

	raw, err = json.Marshal(Target{Labels: []int{1}, Boxes: make([]boxes.Center, 1)})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "masks")

	err = json.Unmarshal([]byte(`{"labels":[1],"masks":{"shape":[1,2,2],"data":[1,0,1]}}`), &out)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	err = json.Unmarshal([]byte(`{"masks":{"shape":[4],"data":[1,0,1,1]}}`), &out)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestOptions(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())
	n, err := opts.Classes()
	require.NoError(t, err)
	assert.Equal(t, 91, n)

	opts.Family = FamilyVOC
	n, _ = opts.Classes()
	assert.Equal(t, 20, n)

	opts.TwoStage = true
	assert.Error(t, opts.Validate())

	opts.Family = "imagenet"
	_, err = opts.Classes()
	assert.Error(t, err)
}
