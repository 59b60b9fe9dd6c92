package deformable

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/criterion"
	"github.com/nvr-ai/go-detr/models/model"
)

func smallOptions() model.Options {
	return model.Options{
		NumClasses:       3,
		NumQueries:       2,
		NumFeatureLevels: 1,
		DecLayers:        2,
		HiddenDim:        4,
		AuxLoss:          true,
	}
}

func fill(rng *rand.Rand, n int, scale float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64() * scale)
	}
	return out
}

func references(rng *rand.Rand, layers, b, q, r int) []*tensor.Dense {
	refs := make([]*tensor.Dense, layers)
	for l := range refs {
		data := make([]float32, b*q*r)
		for i := range data {
			data[i] = 0.2 + 0.6*rng.Float32()
		}
		refs[l] = model.NewTensor(data, b, q, r)
	}
	return refs
}

func TestNewSlots(t *testing.T) {
	bias := float32(-math.Log(99))

	tests := []struct {
		name     string
		refine   bool
		twoStage bool
		slots    int
		shared   bool
		sizeBias []float32
	}{
		{"shared", false, false, 2, true, []float32{-2, -2}},
		{"refine", true, false, 2, false, []float32{-2, 0}},
		{"two stage", true, true, 3, false, []float32{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := smallOptions()
			opts.WithBoxRefine = tt.refine
			opts.TwoStage = tt.twoStage
			h, err := New(opts)
			require.NoError(t, err)

			slots := h.Slots()
			require.Len(t, slots, tt.slots)
			assert.Equal(t, tt.shared, slots[0] == slots[1])

			for i, s := range slots {
				last := s.BBox.last()
				assert.Equal(t, tt.sizeBias[i], last.B.data()[2], "slot %d", i)
				assert.Equal(t, tt.sizeBias[i], last.B.data()[3], "slot %d", i)
				assert.Equal(t, float32(0), last.B.data()[0])
				for _, w := range last.W.data() {
					assert.Equal(t, float32(0), w)
				}
				for _, w := range s.Object.Proj.W.data() {
					assert.Equal(t, float32(0), w)
				}
				for _, b := range s.Class.B.data() {
					assert.InDelta(t, bias, b, 1e-5)
				}
				assert.Len(t, s.BBox.Layers, 3)
			}

			if tt.shared {
				assert.Len(t, h.Params(), 2+6+2)
			} else {
				assert.Len(t, h.Params(), tt.slots*(2+6+2))
			}
		})
	}

	opts := smallOptions()
	opts.TwoStage = true
	_, err := New(opts)
	assert.Error(t, err)
}

func TestInverseSigmoid(t *testing.T) {
	for _, x := range []float32{0.01, 0.3, 0.5, 0.9} {
		assert.InDelta(t, x, Sigmoid(InverseSigmoid(x)), 1e-5)
	}
	assert.Equal(t, float32(0), InverseSigmoid(0.5))
	assert.InDelta(t, math.Log(1e-5), InverseSigmoid(0), 1e-3)
	assert.InDelta(t, -math.Log(1e-5), InverseSigmoid(1.5), 1e-3)
}

// TestForwardDecoding checks box decoding against the initial heads, whose box delta is
// the last layer's bias and whose objectness is 0.5.
func TestForwardDecoding(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	opts := smallOptions()
	const b, q = 2, 2

	for _, r := range []int{2, 4} {
		h, err := New(opts)
		require.NoError(t, err)

		refs := references(rng, opts.DecLayers, b, q, r)
		in := Input{
			Hidden:     model.NewTensor(make([]float32, opts.DecLayers*b*q*opts.HiddenDim), opts.DecLayers, b, q, opts.HiddenDim),
			References: refs,
		}
		out, err := h.Forward(in)
		require.NoError(t, err)
		require.Len(t, out.Aux, opts.DecLayers-1)
		require.NoError(t, out.Validate())
		assert.Equal(t, []int{b, q, 3}, []int(out.Logits.Shape()))
		assert.Nil(t, out.Enc)

		layers := append(append([]model.Prediction(nil), out.Aux...), out.Prediction)
		for l, p := range layers {
			ref := model.Floats(refs[l])
			for i := 0; i < b*q; i++ {
				box := p.Box(i/q, i%q)
				assert.InDelta(t, ref[i*r], box.Cx, 1e-5)
				assert.InDelta(t, ref[i*r+1], box.Cy, 1e-5)
				wantW, wantH := Sigmoid(-2), Sigmoid(-2)
				if r == 4 {
					wantW = Sigmoid(InverseSigmoid(ref[i*r+2]) - 2)
					wantH = Sigmoid(InverseSigmoid(ref[i*r+3]) - 2)
				}
				assert.InDelta(t, wantW, box.W, 1e-5)
				assert.InDelta(t, wantH, box.H, 1e-5)
				assert.InDelta(t, 0.5, p.Object(i/q, i%q), 1e-6)
				for _, logit := range p.Logit(i/q, i%q) {
					assert.InDelta(t, -math.Log(99), logit, 1e-4)
				}
			}
		}
	}
}

func TestForwardTwoStage(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	opts := smallOptions()
	opts.WithBoxRefine = true
	opts.TwoStage = true
	opts.AuxLoss = false
	const b, q, s = 1, 2, 5

	h, err := New(opts)
	require.NoError(t, err)

	proposals := fill(rng, b*s*4, 1)
	in := Input{
		Hidden:     model.NewTensor(fill(rng, opts.DecLayers*b*q*opts.HiddenDim, 1), opts.DecLayers, b, q, opts.HiddenDim),
		References: references(rng, opts.DecLayers, b, q, 4),
		Encoder: &EncoderInput{
			Memory:    model.NewTensor(fill(rng, b*s*opts.HiddenDim, 1), b, s, opts.HiddenDim),
			Proposals: model.NewTensor(proposals, b, s, 4),
		},
	}
	out, err := h.Forward(in)
	require.NoError(t, err)
	assert.Empty(t, out.Aux)
	require.NotNil(t, out.Enc)
	require.NoError(t, out.Enc.Validate())

	_, ns, _ := out.Enc.Dims()
	assert.Equal(t, s, ns)
	got := model.Floats(out.Enc.Boxes)
	for i, p := range proposals {
		assert.InDelta(t, Sigmoid(p), got[i], 1e-5)
	}

	in.Encoder.Proposals = model.NewTensor(proposals[:4], b, 1, 4)
	_, err = h.Forward(in)
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestForwardPreconditions(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	opts := smallOptions()
	h, err := New(opts)
	require.NoError(t, err)

	_, err = h.Forward(Input{})
	assert.ErrorIs(t, err, model.ErrMissingOutput)

	hidden := model.NewTensor(fill(rng, 2*1*2*4, 1), 2, 1, 2, 4)
	_, err = h.Forward(Input{Hidden: hidden, References: references(rng, 1, 1, 2, 4)})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	_, err = h.Forward(Input{Hidden: hidden, References: references(rng, 2, 1, 2, 3)})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	wide := model.NewTensor(fill(rng, 2*1*2*5, 1), 2, 1, 2, 5)
	_, err = h.Forward(Input{Hidden: wide, References: references(rng, 2, 1, 2, 4)})
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

// surrogate is sum(output * upstream) over every tensor of out that has an upstream.
func surrogate(out, up *model.Outputs) float64 {
	dot := func(a, b *tensor.Dense) float64 {
		if a == nil || b == nil {
			return 0
		}
		var s float64
		bd := model.Floats(b)
		for i, v := range model.Floats(a) {
			s += float64(v) * float64(bd[i])
		}
		return s
	}
	layer := func(p, g *model.Prediction) float64 {
		return dot(p.Logits, g.Logits) + dot(p.Boxes, g.Boxes) + dot(p.Objectness, g.Objectness) + dot(p.Masks, g.Masks)
	}
	total := layer(&out.Prediction, &up.Prediction)
	for i := range up.Aux {
		total += layer(&out.Aux[i], &up.Aux[i])
	}
	if out.Enc != nil && up.Enc != nil {
		total += layer(out.Enc, up.Enc)
	}
	return total
}

func randomize(rng *rand.Rand, h *Head) {
	for _, p := range h.Params() {
		copy(p.data(), fill(rng, len(p.data()), 0.5))
	}
}

func randomUpstream(rng *rand.Rand, out *model.Outputs) *model.Outputs {
	up := out.ZerosLike()
	fillTensor := func(p *model.Prediction) {
		for _, t := range []*tensor.Dense{p.Logits, p.Boxes, p.Objectness, p.Masks} {
			if t != nil {
				copy(model.Floats(t), fill(rng, len(model.Floats(t)), 1))
			}
		}
	}
	fillTensor(&up.Prediction)
	for i := range up.Aux {
		fillTensor(&up.Aux[i])
	}
	return up
}

// TestBackwardMatchesFiniteDifferences checks parameter gradients of a shared head,
// which accumulate over both decoder layers.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	opts := smallOptions()
	const b, q = 1, 3

	h, err := New(opts)
	require.NoError(t, err)
	randomize(rng, h)

	in := Input{
		Hidden:     model.NewTensor(fill(rng, opts.DecLayers*b*q*opts.HiddenDim, 1), opts.DecLayers, b, q, opts.HiddenDim),
		References: references(rng, opts.DecLayers, b, q, 4),
	}
	out, err := h.Forward(in)
	require.NoError(t, err)
	up := randomUpstream(rng, out)

	grads, err := h.Backward(in, up)
	require.NoError(t, err)

	slot := h.Slots()[0]
	checked := []*Param{slot.Class.W, slot.Class.B, slot.BBox.last().W, slot.BBox.last().B, slot.Object.Proj.W, slot.Object.Proj.B}
	const eps = 1e-2
	for _, p := range checked {
		g, ok := grads[p]
		require.True(t, ok, p.Name)
		data := p.data()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			hi := data[i]
			op, err := h.Forward(in)
			require.NoError(t, err)
			lp := surrogate(op, up)
			data[i] = orig - eps
			lo := data[i]
			om, err := h.Forward(in)
			require.NoError(t, err)
			lm := surrogate(om, up)
			data[i] = orig

			assert.InDelta(t, (lp-lm)/float64(hi-lo), g[i], 2e-3, "%s[%d]", p.Name, i)
		}
	}

	before := append([]float32(nil), slot.Class.B.data()...)
	h.Apply(grads, 0.1)
	for i, v := range slot.Class.B.data() {
		assert.InDelta(t, before[i]-0.1*grads[slot.Class.B][i], v, 1e-6)
	}
}

func TestBackwardSkipsUnsupervisedLayers(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	opts := smallOptions()
	opts.WithBoxRefine = true
	const b, q = 1, 2

	h, err := New(opts)
	require.NoError(t, err)
	in := Input{
		Hidden:     model.NewTensor(fill(rng, opts.DecLayers*b*q*opts.HiddenDim, 1), opts.DecLayers, b, q, opts.HiddenDim),
		References: references(rng, opts.DecLayers, b, q, 2),
	}
	out, err := h.Forward(in)
	require.NoError(t, err)

	up := randomUpstream(rng, out)
	up.Aux = nil
	grads, err := h.Backward(in, up)
	require.NoError(t, err)

	assert.NotContains(t, grads, h.Slots()[0].Class.W)
	assert.Contains(t, grads, h.Slots()[1].Class.W)
	assert.Len(t, grads, 10)

	_, err = h.Backward(in, nil)
	assert.ErrorIs(t, err, model.ErrMissingOutput)
}

func maskInput(rng *rand.Rand, opts model.Options, b, q, mh, mw int) Input {
	d := opts.HiddenDim
	return Input{
		Hidden:       model.NewTensor(fill(rng, opts.DecLayers*b*q*d, 1), opts.DecLayers, b, q, d),
		References:   references(rng, opts.DecLayers, b, q, 4),
		MaskFeatures: model.NewTensor(fill(rng, b*mh*mw*d, 1), b, mh, mw, d),
	}
}

// linear computes x W + b for one row.
func linear(l *Linear, x []float32) []float64 {
	out := l.W.Value.Shape()[1]
	y := make([]float64, out)
	for j := range y {
		y[j] = float64(l.B.data()[j])
		for i, v := range x {
			y[j] += float64(v) * float64(l.W.data()[i*out+j])
		}
	}
	return y
}

func TestMaskBranch(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	opts := smallOptions()
	opts.Masks = true
	const b, q, mh, mw = 2, 3, 2, 3
	d := opts.HiddenDim

	h, err := New(opts)
	require.NoError(t, err)
	require.NotNil(t, h.Mask())
	assert.Len(t, h.Params(), 10+4)
	randomize(rng, h)

	in := maskInput(rng, opts, b, q, mh, mw)
	out, err := h.Forward(in)
	require.NoError(t, err)
	require.NotNil(t, out.Masks)
	assert.Equal(t, []int{b, q, mh, mw}, []int(out.Masks.Shape()))
	for _, aux := range out.Aux {
		assert.Nil(t, aux.Masks)
	}

	// Image 1, query 2 against pixel (1, 0) of the final layer.
	hidden := model.Floats(in.Hidden)
	off := ((1*b+1)*q + 2) * d
	qv := linear(h.Mask().Query, hidden[off:off+d])
	pix := (1*mh+1)*mw + 0
	kv := linear(h.Mask().Key, model.Floats(in.MaskFeatures)[pix*d:(pix+1)*d])
	var want float64
	for i := range qv {
		want += qv[i] * kv[i]
	}
	want /= math.Sqrt(float64(d))
	got := model.Floats(out.Masks)[((1*q+2)*mh+1)*mw+0]
	assert.InDelta(t, want, got, 1e-4)

	up := randomUpstream(rng, out)
	grads, err := h.Backward(in, up)
	require.NoError(t, err)

	m := h.Mask()
	const eps = 1e-2
	for _, p := range []*Param{m.Query.W, m.Query.B, m.Key.W, m.Key.B} {
		g, ok := grads[p]
		require.True(t, ok, p.Name)
		data := p.data()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			hi := data[i]
			op, err := h.Forward(in)
			require.NoError(t, err)
			lp := surrogate(op, up)
			data[i] = orig - eps
			lo := data[i]
			om, err := h.Forward(in)
			require.NoError(t, err)
			lm := surrogate(om, up)
			data[i] = orig

			fd := (lp - lm) / float64(hi-lo)
			assert.InDelta(t, fd, g[i], 5e-3*math.Max(1, math.Abs(fd)), "%s[%d]", p.Name, i)
		}
	}

	// Without a mask gradient the branch is not differentiated.
	up.Masks = nil
	grads, err = h.Backward(in, up)
	require.NoError(t, err)
	assert.NotContains(t, grads, m.Query.W)
	assert.Contains(t, grads, h.Slots()[0].Class.W)
}

func TestMaskBranchPreconditions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	opts := smallOptions()
	opts.Masks = true
	h, err := New(opts)
	require.NoError(t, err)

	in := maskInput(rng, opts, 1, 2, 2, 2)
	in.MaskFeatures = nil
	_, err = h.Forward(in)
	assert.ErrorIs(t, err, model.ErrMissingOutput)

	in.MaskFeatures = model.NewTensor(fill(rng, 1*2*2*5, 1), 1, 2, 2, 5)
	_, err = h.Forward(in)
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	in.MaskFeatures = model.NewTensor(fill(rng, 2*2*2*4, 1), 2, 2, 2, 4)
	_, err = h.Forward(in)
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	// Heads without masks ignore the feature map.
	plain, err := New(smallOptions())
	require.NoError(t, err)
	out, err := plain.Forward(maskInput(rng, smallOptions(), 1, 2, 2, 2))
	require.NoError(t, err)
	assert.Nil(t, out.Masks)
}

func TestBuild(t *testing.T) {
	opts := DefaultBuildOptions()
	opts.Model = smallOptions()
	opts.Model.Masks = true

	det, err := Build(opts)
	require.NoError(t, err)
	require.NotNil(t, det.Head)
	require.NotNil(t, det.PostProcessor)

	w := det.Criterion.Weights()
	assert.Len(t, w, 7*3)
	assert.Contains(t, w, "loss_dice_0")
	assert.Contains(t, w, "loss_object_enc")

	opts.Loss.Losses = []string{criterion.LossLabels, "bogus"}
	_, err = Build(opts)
	assert.ErrorIs(t, err, criterion.ErrUnknownLoss)

	opts = DefaultBuildOptions()
	opts.Model.TwoStage = true
	_, err = Build(opts)
	assert.Error(t, err)

	opts = DefaultBuildOptions()
	opts.Matcher.CostClass, opts.Matcher.CostBBox, opts.Matcher.CostGIoU = 0, 0, 0
	_, err = Build(opts)
	assert.Error(t, err)
}

func BenchmarkForward(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	opts := model.Options{
		NumClasses:       91,
		NumQueries:       100,
		NumFeatureLevels: 4,
		DecLayers:        6,
		HiddenDim:        64,
		AuxLoss:          true,
		WithBoxRefine:    true,
	}
	h, err := New(opts)
	require.NoError(b, err)
	in := Input{
		Hidden:     model.NewTensor(fill(rng, 6*2*100*64, 1), 6, 2, 100, 64),
		References: references(rng, 6, 2, 100, 4),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := h.Forward(in); err != nil {
			b.Fatal(err)
		}
	}
}
