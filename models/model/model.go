// Package model - Data model shared by the detection head, matcher, criterion and
// post-processors.
package model

import (
	"encoding/json"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/boxes"
)

var (
	// ErrMissingOutput is returned when an output tensor a consumer depends on is absent.
	ErrMissingOutput = errors.New("missing output")
	// ErrShapeMismatch is returned when tensors disagree on rank or dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Family is the dataset family a detector is trained for.
type Family string

const (
	// FamilyCOCO is the COCO detection family.
	FamilyCOCO Family = "coco"
	// FamilyCOCOPanoptic is the COCO panoptic family.
	FamilyCOCOPanoptic Family = "coco_panoptic"
	// FamilyVOC is the Pascal VOC family.
	FamilyVOC Family = "voc"
)

// NumClasses returns the size of the class-logit vector for the family. For COCO this is
// max_obj_id + 1, so index 90 doubles as the "no-object" slot.
func (f Family) NumClasses() (int, error) {
	switch f {
	case FamilyCOCO:
		return 91, nil
	case FamilyCOCOPanoptic:
		return 250, nil
	case FamilyVOC:
		return 20, nil
	default:
		return 0, errors.Errorf("unsupported dataset family: %s", f)
	}
}

// Prediction holds one layer's raw per-query outputs for a batch. All tensors are
// float32.
type Prediction struct {
	// Logits are the class logits, [B, Q, C]. There is no explicit background column.
	Logits *tensor.Dense
	// Boxes are normalized (cx, cy, w, h) boxes, [B, Q, 4].
	Boxes *tensor.Dense
	// Objectness scores in [0, 1], [B, Q].
	Objectness *tensor.Dense
	// Masks are optional mask logits, [B, Q, H, W].
	Masks *tensor.Dense
}

// Dims returns batch size, queries and classes.
func (p *Prediction) Dims() (b, q, c int) {
	s := p.Logits.Shape()
	return s[0], s[1], s[2]
}

// Validate checks that the required tensors exist and agree on batch and query counts.
//
// Returns:
//   - error: ErrMissingOutput or ErrShapeMismatch wrapped with the offending tensor.
func (p *Prediction) Validate() error {
	if p == nil || p.Logits == nil {
		return errors.Wrap(ErrMissingOutput, "pred_logits")
	}
	if p.Boxes == nil {
		return errors.Wrap(ErrMissingOutput, "pred_boxes")
	}
	if err := expectRank(p.Logits, "pred_logits", 3); err != nil {
		return err
	}
	b, q, _ := p.Dims()
	if err := expectShape(p.Boxes, "pred_boxes", b, q, 4); err != nil {
		return err
	}
	if p.Objectness != nil {
		if err := expectShape(p.Objectness, "obj", b, q); err != nil {
			return err
		}
	}
	if p.Masks != nil {
		if err := expectRank(p.Masks, "pred_masks", 4); err != nil {
			return err
		}
		s := p.Masks.Shape()
		if s[0] != b || s[1] != q {
			return errors.Wrapf(ErrShapeMismatch, "pred_masks %v for %d images, %d queries", s, b, q)
		}
	}
	return nil
}

// Logit returns the class-logit row of query q in image b. The slice aliases the tensor.
func (p *Prediction) Logit(b, q int) []float32 {
	_, nq, c := p.Dims()
	off := (b*nq + q) * c
	return Floats(p.Logits)[off : off+c]
}

// Box returns the predicted box of query q in image b.
func (p *Prediction) Box(b, q int) boxes.Center {
	_, nq, _ := p.Dims()
	off := (b*nq + q) * 4
	return boxes.FromSlice(Floats(p.Boxes)[off : off+4])
}

// Object returns the objectness score of query q in image b.
func (p *Prediction) Object(b, q int) float32 {
	_, nq, _ := p.Dims()
	return Floats(p.Objectness)[b*nq+q]
}

// Mask returns the mask logits of query q in image b and their height and width.
func (p *Prediction) Mask(b, q int) ([]float32, int, int) {
	s := p.Masks.Shape()
	h, w := s[2], s[3]
	off := (b*s[1] + q) * h * w
	return Floats(p.Masks)[off : off+h*w], h, w
}

// ZerosLike allocates a Prediction with the same tensors present and zero values.
func (p *Prediction) ZerosLike() Prediction {
	return Prediction{
		Logits:     zerosLike(p.Logits),
		Boxes:      zerosLike(p.Boxes),
		Objectness: zerosLike(p.Objectness),
		Masks:      zerosLike(p.Masks),
	}
}

// Outputs are the head outputs of one forward pass: the final decoder layer, the
// intermediate decoder layers and, in two-stage mode, the encoder proposals.
//
// The same layout carries gradients: a criterion returns d(total loss)/d(output) as an
// Outputs value whose tensors mirror the forward tensors.
type Outputs struct {
	Prediction
	// Aux holds intermediate decoder layers in order. Empty when auxiliary loss is off.
	Aux []Prediction
	// Enc holds the encoder proposals. Nil unless two-stage mode is on.
	Enc *Prediction
}

// ZerosLike allocates zero gradients for every tensor in o.
func (o *Outputs) ZerosLike() *Outputs {
	out := &Outputs{Prediction: o.Prediction.ZerosLike()}
	for i := range o.Aux {
		out.Aux = append(out.Aux, o.Aux[i].ZerosLike())
	}
	if o.Enc != nil {
		enc := o.Enc.ZerosLike()
		out.Enc = &enc
	}
	return out
}

// Target is the ground truth of one image.
type Target struct {
	// Labels are class ids in [0, C).
	Labels []int `json:"labels" yaml:"labels"`
	// Boxes are normalized (cx, cy, w, h) boxes parallel to Labels.
	Boxes []boxes.Center `json:"boxes" yaml:"boxes"`
	// Masks are optional binary masks, [N, H, W]. In JSON they are a MaskData object
	// under "masks".
	Masks *tensor.Dense `json:"-" yaml:"-"`
	// Size is the true (pre-padding) image size as (height, width).
	Size [2]int `json:"size" yaml:"size"`
}

// MaskData is the JSON form of target masks: a row-major array and its [N, H, W] shape.
type MaskData struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type targetFields Target

// MarshalJSON encodes the target with its masks, if any.
func (t Target) MarshalJSON() ([]byte, error) {
	v := struct {
		targetFields
		Masks *MaskData `json:"masks,omitempty"`
	}{targetFields: targetFields(t)}
	if t.Masks != nil {
		v.Masks = &MaskData{Shape: []int(t.Masks.Shape()), Data: Floats(t.Masks)}
	}
	return json.Marshal(v)
}

// UnmarshalJSON decodes a target and rebuilds its mask tensor.
func (t *Target) UnmarshalJSON(raw []byte) error {
	var v struct {
		targetFields
		Masks *MaskData `json:"masks"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*t = Target(v.targetFields)
	if v.Masks == nil {
		return nil
	}
	n := 1
	for _, d := range v.Masks.Shape {
		n *= d
	}
	if len(v.Masks.Shape) != 3 || n != len(v.Masks.Data) {
		return errors.Wrapf(ErrShapeMismatch, "target masks: shape %v holds %d values, got %d",
			v.Masks.Shape, n, len(v.Masks.Data))
	}
	t.Masks = NewTensor(v.Masks.Data, v.Masks.Shape...)
	return nil
}

// Len returns the number of objects in the image.
func (t Target) Len() int { return len(t.Labels) }

// Validate checks that labels and boxes are parallel and labels are in range.
func (t Target) Validate(numClasses int) error {
	if len(t.Labels) != len(t.Boxes) {
		return errors.Wrapf(ErrShapeMismatch, "%d labels, %d boxes", len(t.Labels), len(t.Boxes))
	}
	for i, l := range t.Labels {
		if l < 0 || l >= numClasses {
			return errors.Errorf("label %d at %d outside [0, %d)", l, i, numClasses)
		}
	}
	if t.Masks != nil {
		s := t.Masks.Shape()
		if len(s) != 3 || s[0] != len(t.Labels) {
			return errors.Wrapf(ErrShapeMismatch, "target masks %v for %d objects", s, len(t.Labels))
		}
	}
	return nil
}

// BinaryTargets copies targets with every label rewritten to class 0, the class-agnostic
// form used for encoder proposals.
func BinaryTargets(targets []Target) []Target {
	out := make([]Target, len(targets))
	for i, t := range targets {
		out[i] = t
		out[i].Labels = make([]int, len(t.Labels))
	}
	return out
}

// CountBoxes returns the number of objects across targets.
func CountBoxes(targets []Target) int {
	n := 0
	for _, t := range targets {
		n += t.Len()
	}
	return n
}

// Indices is a one-to-one assignment between queries and targets of one image. The two
// slices are parallel and sorted by query index.
type Indices struct {
	Queries []int `json:"queries"`
	Targets []int `json:"targets"`
}

// Len returns the number of matched pairs.
func (ix Indices) Len() int { return len(ix.Queries) }

// Floats returns the float32 backing slice of t.
func Floats(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// NewTensor wraps data as a float32 tensor of the given shape.
func NewTensor(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Zeros allocates a zero float32 tensor of the given shape.
func Zeros(shape ...int) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return NewTensor(make([]float32, n), shape...)
}

func zerosLike(t *tensor.Dense) *tensor.Dense {
	if t == nil {
		return nil
	}
	return Zeros(t.Shape().Clone()...)
}

func expectRank(t *tensor.Dense, name string, rank int) error {
	if t.Dims() != rank {
		return errors.Wrapf(ErrShapeMismatch, "%s has shape %v, want rank %d", name, t.Shape(), rank)
	}
	return nil
}

func expectShape(t *tensor.Dense, name string, dims ...int) error {
	s := t.Shape()
	if len(s) != len(dims) {
		return errors.Wrapf(ErrShapeMismatch, "%s has shape %v, want %v", name, s, dims)
	}
	for i := range dims {
		if s[i] != dims[i] {
			return errors.Wrapf(ErrShapeMismatch, "%s has shape %v, want %v", name, s, dims)
		}
	}
	return nil
}
