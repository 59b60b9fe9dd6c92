package deformable

import (
	"fmt"

	"github.com/chewxy/math32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// priorProb is the initial foreground probability of every class logit.
const priorProb = 0.01

// Param is one learnable float32 matrix.
type Param struct {
	Name  string
	Value *tensor.Dense
}

func newParam(name string, rows, cols int, data []float32) *Param {
	if data == nil {
		data = make([]float32, rows*cols)
	}
	return &Param{
		Name:  name,
		Value: tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data)),
	}
}

func (p *Param) data() []float32 { return p.Value.Data().([]float32) }

func (p *Param) clone(name string) *Param {
	src := p.data()
	dst := make([]float32, len(src))
	copy(dst, src)
	s := p.Value.Shape()
	return newParam(name, s[0], s[1], dst)
}

// Linear is an affine projection y = xW + b with W [in, out] and b [1, out].
type Linear struct {
	W *Param
	B *Param
}

// NewLinear creates a Glorot-uniform initialised projection with zero bias.
func NewLinear(name string, in, out int) *Linear {
	w := G.GlorotU(1)(tensor.Float32, in, out).([]float32)
	return &Linear{
		W: newParam(name+".w", in, out, w),
		B: newParam(name+".b", 1, out, nil),
	}
}

func (l *Linear) clone(name string) *Linear {
	return &Linear{W: l.W.clone(name + ".w"), B: l.B.clone(name + ".b")}
}

func (l *Linear) params() []*Param { return []*Param{l.W, l.B} }

func (l *Linear) apply(b *binder, x *G.Node) (*G.Node, error) {
	xw, err := G.Mul(x, b.param(l.W))
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(xw, b.param(l.B), nil, []byte{0})
}

// MLP is a stack of Linear layers with ReLU between them and identity on the output.
type MLP struct {
	Layers []*Linear
}

// NewMLP creates an MLP with numLayers layers, hidden width hidden.
func NewMLP(name string, in, hidden, out, numLayers int) *MLP {
	m := &MLP{}
	for i := 0; i < numLayers; i++ {
		ni, no := hidden, hidden
		if i == 0 {
			ni = in
		}
		if i == numLayers-1 {
			no = out
		}
		m.Layers = append(m.Layers, NewLinear(fmt.Sprintf("%s.%d", name, i), ni, no))
	}
	return m
}

func (m *MLP) last() *Linear { return m.Layers[len(m.Layers)-1] }

func (m *MLP) clone(name string) *MLP {
	out := &MLP{}
	for i, l := range m.Layers {
		out.Layers = append(out.Layers, l.clone(fmt.Sprintf("%s.%d", name, i)))
	}
	return out
}

func (m *MLP) params() []*Param {
	var ps []*Param
	for _, l := range m.Layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

func (m *MLP) apply(b *binder, x *G.Node) (*G.Node, error) {
	var err error
	for i, l := range m.Layers {
		if x, err = l.apply(b, x); err != nil {
			return nil, err
		}
		if i < len(m.Layers)-1 {
			if x, err = G.Rectify(x); err != nil {
				return nil, err
			}
		}
	}
	return x, nil
}

// ObjectHead projects each query to a scalar and squashes it to (0, 1). The projection
// runs over the flattened [batch*queries, hidden] rows and the result is restored to
// [batch, queries].
type ObjectHead struct {
	Proj *Linear
}

// NewObjectHead creates an objectness head with zero weights and bias.
func NewObjectHead(name string, hidden int) *ObjectHead {
	return &ObjectHead{Proj: &Linear{
		W: newParam(name+".w", hidden, 1, nil),
		B: newParam(name+".b", 1, 1, nil),
	}}
}

func (o *ObjectHead) apply(b *binder, x *G.Node, batch, queries int) (*G.Node, error) {
	z, err := o.Proj.apply(b, x)
	if err != nil {
		return nil, err
	}
	s, err := G.Sigmoid(z)
	if err != nil {
		return nil, err
	}
	return G.Reshape(s, tensor.Shape{batch, queries})
}

// LayerHead maps one decoder layer's hidden states to class logits, a box delta and an
// objectness score.
type LayerHead struct {
	Class  *Linear
	BBox   *MLP
	Object *ObjectHead
}

// NewLayerHead creates a head with the detector's initialisation: class bias at the
// logit of priorProb, zero last box layer and zero objectness projection.
func NewLayerHead(name string, hidden, classes int) *LayerHead {
	h := &LayerHead{
		Class:  NewLinear(name+".class", hidden, classes),
		BBox:   NewMLP(name+".bbox", hidden, hidden, 4, 3),
		Object: NewObjectHead(name+".object", hidden),
	}
	bias := -math32.Log((1 - priorProb) / priorProb)
	for i := range h.Class.B.data() {
		h.Class.B.data()[i] = bias
	}
	last := h.BBox.last()
	clear(last.W.data())
	clear(last.B.data())
	return h
}

// Clone deep-copies the head under a new name.
func (h *LayerHead) Clone(name string) *LayerHead {
	return &LayerHead{
		Class:  h.Class.clone(name + ".class"),
		BBox:   h.BBox.clone(name + ".bbox"),
		Object: &ObjectHead{Proj: h.Object.Proj.clone(name + ".object")},
	}
}

// setSizeBias sets the bias of the width and height outputs of the box delta.
func (h *LayerHead) setSizeBias(v float32) {
	b := h.BBox.last().B.data()
	b[2], b[3] = v, v
}

func (h *LayerHead) params() []*Param {
	ps := append(h.Class.params(), h.BBox.params()...)
	return append(ps, h.Object.Proj.params()...)
}

// MaskHead scores every query against every pixel of a feature map, a single-head
// attention map: mask[q, p] = (hidden[q] Wq + bq) . (feature[p] Wk + bk) / sqrt(D).
type MaskHead struct {
	Query *Linear
	Key   *Linear
}

// NewMaskHead creates a mask head over hidden-wide queries and features.
func NewMaskHead(name string, hidden int) *MaskHead {
	return &MaskHead{
		Query: NewLinear(name+".query", hidden, hidden),
		Key:   NewLinear(name+".key", hidden, hidden),
	}
}

func (m *MaskHead) params() []*Param {
	return append(m.Query.params(), m.Key.params()...)
}

// apply returns the mask logits [B*Q, P] for hidden [B*Q, D] and features [B*P, D].
func (m *MaskHead) apply(b *binder, hidden, features *G.Node, batch, queries, pixels int) (*G.Node, error) {
	d := hidden.Shape()[1]
	q, err := m.Query.apply(b, hidden)
	if err != nil {
		return nil, err
	}
	k, err := m.Key.apply(b, features)
	if err != nil {
		return nil, err
	}
	if q, err = G.Reshape(q, tensor.Shape{batch, queries, d}); err != nil {
		return nil, err
	}
	if k, err = G.Reshape(k, tensor.Shape{batch, pixels, d}); err != nil {
		return nil, err
	}
	scores, err := G.BatchedMatMul(q, k, false, true)
	if err != nil {
		return nil, err
	}
	if scores, err = G.Reshape(scores, tensor.Shape{batch * queries, pixels}); err != nil {
		return nil, err
	}
	return G.Mul(scores, G.NewConstant(1/math32.Sqrt(float32(d))))
}

// layerNodes are the graph outputs of one head application.
type layerNodes struct {
	logits *G.Node // [B*Q, C]
	boxes  *G.Node // [B*Q, 4]
	obj    *G.Node // [B, Q]
	masks  *G.Node // [B*Q, H*W], final decoder layer only
}

// apply builds the head over hidden [B*Q, D] with the reference already in logit space
// and zero-padded to [B*Q, 4].
func (h *LayerHead) apply(b *binder, hidden, ref *G.Node, batch, queries int) (*layerNodes, error) {
	logits, err := h.Class.apply(b, hidden)
	if err != nil {
		return nil, err
	}
	delta, err := h.BBox.apply(b, hidden)
	if err != nil {
		return nil, err
	}
	unact, err := G.Add(delta, ref)
	if err != nil {
		return nil, err
	}
	bx, err := G.Sigmoid(unact)
	if err != nil {
		return nil, err
	}
	obj, err := h.Object.apply(b, hidden, batch, queries)
	if err != nil {
		return nil, err
	}
	return &layerNodes{logits: logits, boxes: bx, obj: obj}, nil
}

// binder places parameters and constants into one expression graph, binding each
// parameter at most once so shared heads accumulate their gradients.
type binder struct {
	g      *G.ExprGraph
	params map[*Param]*G.Node
	order  []*Param
}

func newBinder() *binder {
	return &binder{g: G.NewGraph(), params: make(map[*Param]*G.Node)}
}

func (b *binder) param(p *Param) *G.Node {
	if n, ok := b.params[p]; ok {
		return n
	}
	n := G.NewMatrix(b.g, tensor.Float32,
		G.WithShape(p.Value.Shape()...),
		G.WithName(p.Name),
		G.WithValue(p.Value),
	)
	b.params[p] = n
	b.order = append(b.order, p)
	return n
}

// input binds a [rows, cols] constant matrix.
func (b *binder) input(name string, data []float32, rows, cols int) *G.Node {
	t := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))
	return G.NewMatrix(b.g, tensor.Float32,
		G.WithShape(rows, cols),
		G.WithName(name),
		G.WithValue(t),
	)
}

func (b *binder) bound() G.Nodes {
	ns := make(G.Nodes, 0, len(b.order))
	for _, p := range b.order {
		ns = append(ns, b.params[p])
	}
	return ns
}
