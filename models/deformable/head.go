// Package deformable - Detection head of a deformable-attention detector.
//
// The head sits on top of an external transformer: it receives the decoder hidden states
// and per-layer reference points and maps them to class logits, boxes and objectness
// scores for every decoder layer (and, in two-stage mode, for the encoder proposals).
// With masks on, the final layer also gets mask logits from an attention map over a
// per-pixel feature map.
// Each call builds a gorgonia expression graph over the head parameters, so the same
// graph yields outputs in Forward and parameter gradients in Backward.
package deformable

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/models/model"
)

// inverseSigmoidEps clamps references before they are mapped to logit space.
const inverseSigmoidEps = 1e-5

// Input is what the transformer hands to the head for one batch.
type Input struct {
	// Hidden are the decoder hidden states, [L, B, Q, D].
	Hidden *tensor.Dense
	// References holds one reference per decoder layer, each [B, Q, 2] or [B, Q, 4] in
	// (0, 1). References[0] is the initial reference; References[l] is the reference the
	// transformer used for layer l.
	References []*tensor.Dense
	// Encoder holds the two-stage encoder proposals. Ignored unless two-stage is on.
	Encoder *EncoderInput
	// MaskFeatures is the per-pixel feature map the mask branch attends to, [B, H, W, D].
	// Required when masks are on; the predicted masks are H x W.
	MaskFeatures *tensor.Dense
}

// EncoderInput is the encoder output used to generate region proposals.
type EncoderInput struct {
	// Memory is the encoder output memory, [B, S, D].
	Memory *tensor.Dense
	// Proposals are the proposal boxes in logit space, [B, S, 4].
	Proposals *tensor.Dense
}

// ParamGrads maps each parameter to the gradient of the loss with respect to it.
type ParamGrads map[*Param][]float32

// Head owns one LayerHead slot per predicted layer. With box refinement every slot
// holds its own copy; otherwise every slot references one shared head.
type Head struct {
	opts    model.Options
	classes int
	slots   []*LayerHead
	mask    *MaskHead
}

// New creates a detection head.
//
// Arguments:
//   - opts: Detector options.
//
// Returns:
//   - *Head: The head with dec_layers slots, plus one encoder slot in two-stage mode.
//   - error: Invalid options.
func New(opts model.Options) (*Head, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	classes, _ := opts.Classes()

	numPred := opts.DecLayers
	if opts.TwoStage {
		numPred++
	}

	h := &Head{opts: opts, classes: classes, slots: make([]*LayerHead, numPred)}
	if opts.WithBoxRefine {
		base := NewLayerHead("head", opts.HiddenDim, classes)
		for i := range h.slots {
			h.slots[i] = base.Clone(fmt.Sprintf("head%d", i))
		}
		h.slots[0].setSizeBias(-2)
	} else {
		shared := NewLayerHead("head", opts.HiddenDim, classes)
		shared.setSizeBias(-2)
		for i := range h.slots {
			h.slots[i] = shared
		}
	}
	if opts.TwoStage {
		for _, s := range h.slots {
			s.setSizeBias(0)
		}
	}
	if opts.Masks {
		h.mask = NewMaskHead("mask", opts.HiddenDim)
	}
	return h, nil
}

// Options returns the options the head was built with.
func (h *Head) Options() model.Options { return h.opts }

// Slots returns the per-layer heads; the encoder slot is last in two-stage mode.
func (h *Head) Slots() []*LayerHead { return h.slots }

// Mask returns the mask branch, nil when masks are off.
func (h *Head) Mask() *MaskHead { return h.mask }

// Params returns every distinct parameter of the head.
func (h *Head) Params() []*Param {
	seen := make(map[*Param]bool)
	var out []*Param
	for _, s := range h.slots {
		for _, p := range s.params() {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	if h.mask != nil {
		out = append(out, h.mask.params()...)
	}
	return out
}

// graph is one built expression graph and the nodes the caller reads back.
type graph struct {
	b      *binder
	layers []*layerNodes
	enc    *layerNodes
	batch  int
	nq     int
	ns     int
	mh, mw int
}

// build places the head over in. Layers for which keep returns false are left out; the
// mask branch is built on the final layer when masks is set.
func (h *Head) build(in Input, keep func(layer int) bool, masks bool) (*graph, error) {
	masks = masks && h.mask != nil && keep(h.opts.DecLayers-1)
	if err := h.validate(in, masks); err != nil {
		return nil, err
	}
	s := in.Hidden.Shape()
	nl, nb, nq, d := s[0], s[1], s[2], s[3]
	hidden := in.Hidden.Data().([]float32)
	size := nb * nq * d

	gr := &graph{b: newBinder(), layers: make([]*layerNodes, nl), batch: nb, nq: nq}
	for l := 0; l < nl; l++ {
		if !keep(l) {
			continue
		}
		x := gr.b.input(fmt.Sprintf("hs%d", l), copyFloats(hidden[l*size:(l+1)*size]), nb*nq, d)
		ref := gr.b.input(fmt.Sprintf("ref%d", l), referenceLogits(in.References[l]), nb*nq, 4)
		nodes, err := h.slots[l].apply(gr.b, x, ref, nb, nq)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build layer %d", l)
		}
		if masks && l == nl-1 {
			fs := in.MaskFeatures.Shape()
			gr.mh, gr.mw = fs[1], fs[2]
			pixels := gr.mh * gr.mw
			feats := gr.b.input("mask.features", copyFloats(in.MaskFeatures.Data().([]float32)), nb*pixels, d)
			if nodes.masks, err = h.mask.apply(gr.b, x, feats, nb, nq, pixels); err != nil {
				return nil, errors.Wrap(err, "failed to build mask branch")
			}
		}
		gr.layers[l] = nodes
	}

	if h.opts.TwoStage && in.Encoder != nil && keep(-1) {
		es := in.Encoder.Memory.Shape()
		gr.ns = es[1]
		mem := copyFloats(in.Encoder.Memory.Data().([]float32))
		prop := copyFloats(in.Encoder.Proposals.Data().([]float32))
		x := gr.b.input("enc.memory", mem, es[0]*es[1], es[2])
		ref := gr.b.input("enc.proposals", prop, es[0]*es[1], 4)
		nodes, err := h.slots[len(h.slots)-1].apply(gr.b, x, ref, es[0], es[1])
		if err != nil {
			return nil, errors.Wrap(err, "failed to build encoder proposals")
		}
		gr.enc = nodes
	}
	return gr, nil
}

func (h *Head) validate(in Input, masks bool) error {
	if in.Hidden == nil {
		return errors.Wrap(model.ErrMissingOutput, "hs")
	}
	s := in.Hidden.Shape()
	if len(s) != 4 || s[0] != h.opts.DecLayers || s[3] != h.opts.HiddenDim {
		return errors.Wrapf(model.ErrShapeMismatch, "hs %v, want [%d, B, Q, %d]", s, h.opts.DecLayers, h.opts.HiddenDim)
	}
	if len(in.References) != s[0] {
		return errors.Wrapf(model.ErrShapeMismatch, "%d references for %d layers", len(in.References), s[0])
	}
	for l, r := range in.References {
		if r == nil {
			return errors.Wrapf(model.ErrMissingOutput, "reference %d", l)
		}
		rs := r.Shape()
		if len(rs) != 3 || rs[0] != s[1] || rs[1] != s[2] || (rs[2] != 2 && rs[2] != 4) {
			return errors.Wrapf(model.ErrShapeMismatch, "reference %d has shape %v", l, rs)
		}
	}
	if h.opts.TwoStage && in.Encoder != nil {
		if in.Encoder.Memory == nil || in.Encoder.Proposals == nil {
			return errors.Wrap(model.ErrMissingOutput, "encoder memory or proposals")
		}
		ms, ps := in.Encoder.Memory.Shape(), in.Encoder.Proposals.Shape()
		if len(ms) != 3 || ms[0] != s[1] || ms[2] != h.opts.HiddenDim {
			return errors.Wrapf(model.ErrShapeMismatch, "encoder memory %v", ms)
		}
		if len(ps) != 3 || ps[0] != ms[0] || ps[1] != ms[1] || ps[2] != 4 {
			return errors.Wrapf(model.ErrShapeMismatch, "encoder proposals %v", ps)
		}
	}
	if masks {
		if in.MaskFeatures == nil {
			return errors.Wrap(model.ErrMissingOutput, "mask features")
		}
		fs := in.MaskFeatures.Shape()
		if len(fs) != 4 || fs[0] != s[1] || fs[1] <= 0 || fs[2] <= 0 || fs[3] != h.opts.HiddenDim {
			return errors.Wrapf(model.ErrShapeMismatch, "mask features %v, want [%d, H, W, %d]", fs, s[1], h.opts.HiddenDim)
		}
	}
	return nil
}

// Forward runs the head.
//
// Arguments:
//   - in: Transformer outputs.
//
// Returns:
//   - *model.Outputs: The last layer as the main prediction, earlier layers as Aux when
//     auxiliary loss is on, and the encoder proposals as Enc in two-stage mode. The main
//     prediction carries masks when masks are on.
//   - error: Malformed input or a graph execution failure.
func (h *Head) Forward(in Input) (*model.Outputs, error) {
	gr, err := h.build(in, func(int) bool { return true }, true)
	if err != nil {
		return nil, err
	}
	vm := G.NewTapeMachine(gr.b.g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "failed to run head")
	}

	nl := len(gr.layers)
	out := &model.Outputs{Prediction: gr.layers[nl-1].prediction(gr.batch, gr.nq, h.classes)}
	if m := gr.layers[nl-1].masks; m != nil {
		out.Masks = model.NewTensor(nodeFloats(m), gr.batch, gr.nq, gr.mh, gr.mw)
	}
	if h.opts.AuxLoss {
		for l := 0; l < nl-1; l++ {
			out.Aux = append(out.Aux, gr.layers[l].prediction(gr.batch, gr.nq, h.classes))
		}
	}
	if gr.enc != nil {
		enc := gr.enc.prediction(gr.batch, gr.ns, h.classes)
		out.Enc = &enc
	}
	return out, nil
}

// Backward returns the gradient of a loss with respect to the head parameters, given
// the gradient of that loss with respect to the outputs Forward produced for in.
//
// The graph evaluates the surrogate sum(output * upstream) over every output with an
// upstream gradient; its parameter gradient equals the chain rule product. Slots shared
// between layers accumulate over all of them. Parameters that no supervised output
// depends on are absent from the result.
func (h *Head) Backward(in Input, upstream *model.Outputs) (ParamGrads, error) {
	if upstream == nil {
		return nil, errors.Wrap(model.ErrMissingOutput, "upstream gradients")
	}
	nl := h.opts.DecLayers
	layerGrad := func(l int) *model.Prediction {
		if l == nl-1 {
			return &upstream.Prediction
		}
		if l < len(upstream.Aux) {
			return &upstream.Aux[l]
		}
		return nil
	}

	gr, err := h.build(in, func(l int) bool {
		if l < 0 {
			return upstream.Enc != nil
		}
		return layerGrad(l) != nil
	}, upstream.Masks != nil)
	if err != nil {
		return nil, err
	}

	var cost *G.Node
	addTerm := func(name string, out *G.Node, g *tensor.Dense) error {
		if out == nil || g == nil {
			return nil
		}
		s := out.Shape()
		gn := gr.b.input(name, copyFloats(g.Data().([]float32)), s[0], s[1])
		prod, err := G.HadamardProd(out, gn)
		if err != nil {
			return err
		}
		term, err := G.Sum(prod)
		if err != nil {
			return err
		}
		if cost == nil {
			cost = term
			return nil
		}
		cost, err = G.Add(cost, term)
		return err
	}
	addLayer := func(prefix string, nodes *layerNodes, g *model.Prediction) error {
		if nodes == nil || g == nil {
			return nil
		}
		if err := addTerm(prefix+".logits", nodes.logits, g.Logits); err != nil {
			return err
		}
		if err := addTerm(prefix+".boxes", nodes.boxes, g.Boxes); err != nil {
			return err
		}
		if err := addTerm(prefix+".masks", nodes.masks, g.Masks); err != nil {
			return err
		}
		return addTerm(prefix+".obj", nodes.obj, g.Objectness)
	}

	for l, nodes := range gr.layers {
		if err := addLayer(fmt.Sprintf("grad%d", l), nodes, layerGrad(l)); err != nil {
			return nil, errors.Wrapf(err, "failed to build surrogate for layer %d", l)
		}
	}
	if err := addLayer("grad.enc", gr.enc, upstream.Enc); err != nil {
		return nil, errors.Wrap(err, "failed to build surrogate for encoder proposals")
	}
	if cost == nil {
		return ParamGrads{}, nil
	}

	wrt := gr.b.bound()
	if _, err := G.Grad(cost, wrt...); err != nil {
		return nil, errors.Wrap(err, "failed to differentiate head")
	}
	vm := G.NewTapeMachine(gr.b.g, G.BindDualValues(wrt...))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "failed to run head backward")
	}

	grads := make(ParamGrads, len(wrt))
	for i, p := range gr.b.order {
		gv, err := wrt[i].Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "no gradient for %s", p.Name)
		}
		grads[p] = copyFloats(gv.Data().([]float32))
	}
	return grads, nil
}

// Apply takes one plain SGD step.
func (h *Head) Apply(grads ParamGrads, lr float32) {
	for p, g := range grads {
		data := p.data()
		for i := range data {
			data[i] -= lr * g[i]
		}
	}
}

func (n *layerNodes) prediction(batch, queries, classes int) model.Prediction {
	return model.Prediction{
		Logits:     model.NewTensor(nodeFloats(n.logits), batch, queries, classes),
		Boxes:      model.NewTensor(nodeFloats(n.boxes), batch, queries, 4),
		Objectness: model.NewTensor(nodeFloats(n.obj), batch, queries),
	}
}

func nodeFloats(n *G.Node) []float32 {
	return copyFloats(n.Value().Data().([]float32))
}

func copyFloats(src []float32) []float32 {
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}

// referenceLogits maps a [B, Q, R] reference from probability to logit space and pads
// 2-d references with zeros, so the box delta is added to every component of a 4-d
// reference and only to the center of a 2-d one.
func referenceLogits(ref *tensor.Dense) []float32 {
	s := ref.Shape()
	r := s[2]
	src := ref.Data().([]float32)
	n := s[0] * s[1]
	out := make([]float32, n*4)
	for i := 0; i < n; i++ {
		for j := 0; j < r; j++ {
			out[i*4+j] = InverseSigmoid(src[i*r+j])
		}
	}
	return out
}

// InverseSigmoid returns log(x / (1 - x)) with x clamped to [0, 1] and both terms kept
// above a small epsilon.
func InverseSigmoid(x float32) float32 {
	x = math32.Min(math32.Max(x, 0), 1)
	x1 := math32.Max(x, inverseSigmoidEps)
	x2 := math32.Max(1-x, inverseSigmoidEps)
	return math32.Log(x1 / x2)
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}
