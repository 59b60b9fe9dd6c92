package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/models/deformable"
	"github.com/nvr-ai/go-detr/models/model"
	"github.com/nvr-ai/go-detr/models/postprocess"
)

// Snapshot is a JSON batch: head outputs for loss and detect, transformer outputs for
// train, and the ground truth.
type Snapshot struct {
	Outputs     *outputsJSON     `json:"outputs,omitempty"`
	Transformer *transformerJSON `json:"transformer,omitempty"`
	Targets     []model.Target   `json:"targets,omitempty"`
	// Sizes are the image sizes used to scale detections. Target sizes are used when
	// absent, and normalized coordinates when neither is present.
	Sizes []postprocess.Size `json:"sizes,omitempty"`
}

type tensorJSON struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type predictionJSON struct {
	Logits     *tensorJSON `json:"pred_logits"`
	Boxes      *tensorJSON `json:"pred_boxes"`
	Objectness *tensorJSON `json:"pred_objectness,omitempty"`
	Masks      *tensorJSON `json:"pred_masks,omitempty"`
}

type outputsJSON struct {
	predictionJSON
	Aux []predictionJSON `json:"aux_outputs,omitempty"`
	Enc *predictionJSON  `json:"enc_outputs,omitempty"`
}

type transformerJSON struct {
	Hidden       *tensorJSON  `json:"hs"`
	References   []tensorJSON `json:"references"`
	Memory       *tensorJSON  `json:"enc_memory,omitempty"`
	Proposals    *tensorJSON  `json:"enc_proposals,omitempty"`
	MaskFeatures *tensorJSON  `json:"mask_features,omitempty"`
}

// ReadSnapshot decodes a snapshot file.
func ReadSnapshot(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open snapshot %s", path)
	}
	defer f.Close()

	s := &Snapshot{}
	if err := json.NewDecoder(f).Decode(s); err != nil {
		return nil, errors.Wrapf(err, "failed to decode snapshot %s", path)
	}
	return s, nil
}

func (t *tensorJSON) dense(name string) (*tensor.Dense, error) {
	if t == nil {
		return nil, nil
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	if len(t.Shape) == 0 || n != len(t.Data) {
		return nil, errors.Wrapf(model.ErrShapeMismatch, "%s: shape %v holds %d values, got %d", name, t.Shape, n, len(t.Data))
	}
	return model.NewTensor(t.Data, t.Shape...), nil
}

func encodeTensor(t *tensor.Dense) *tensorJSON {
	if t == nil {
		return nil
	}
	return &tensorJSON{Shape: []int(t.Shape()), Data: model.Floats(t)}
}

func (p *predictionJSON) prediction() (model.Prediction, error) {
	var (
		out model.Prediction
		err error
	)
	if out.Logits, err = p.Logits.dense("pred_logits"); err != nil {
		return out, err
	}
	if out.Boxes, err = p.Boxes.dense("pred_boxes"); err != nil {
		return out, err
	}
	if out.Objectness, err = p.Objectness.dense("pred_objectness"); err != nil {
		return out, err
	}
	if out.Masks, err = p.Masks.dense("pred_masks"); err != nil {
		return out, err
	}
	return out, nil
}

// Head converts the snapshot's head outputs.
func (s *Snapshot) Head() (*model.Outputs, error) {
	if s.Outputs == nil {
		return nil, errors.Wrap(model.ErrMissingOutput, "snapshot has no outputs")
	}
	last, err := s.Outputs.prediction()
	if err != nil {
		return nil, err
	}
	out := &model.Outputs{Prediction: last}
	for i := range s.Outputs.Aux {
		p, err := s.Outputs.Aux[i].prediction()
		if err != nil {
			return nil, errors.Wrapf(err, "aux_outputs[%d]", i)
		}
		out.Aux = append(out.Aux, p)
	}
	if s.Outputs.Enc != nil {
		p, err := s.Outputs.Enc.prediction()
		if err != nil {
			return nil, errors.Wrap(err, "enc_outputs")
		}
		out.Enc = &p
	}
	return out, nil
}

// Input converts the snapshot's transformer outputs.
func (s *Snapshot) Input() (deformable.Input, error) {
	tr := s.Transformer
	if tr == nil {
		return deformable.Input{}, errors.Wrap(model.ErrMissingOutput, "snapshot has no transformer outputs")
	}
	hidden, err := tr.Hidden.dense("hs")
	if err != nil {
		return deformable.Input{}, err
	}
	in := deformable.Input{Hidden: hidden}
	for i := range tr.References {
		r, err := tr.References[i].dense("references")
		if err != nil {
			return deformable.Input{}, err
		}
		in.References = append(in.References, r)
	}
	if tr.Memory != nil || tr.Proposals != nil {
		memory, err := tr.Memory.dense("enc_memory")
		if err != nil {
			return deformable.Input{}, err
		}
		proposals, err := tr.Proposals.dense("enc_proposals")
		if err != nil {
			return deformable.Input{}, err
		}
		in.Encoder = &deformable.EncoderInput{Memory: memory, Proposals: proposals}
	}
	if in.MaskFeatures, err = tr.MaskFeatures.dense("mask_features"); err != nil {
		return deformable.Input{}, err
	}
	return in, nil
}

// ImageSizes returns one size per image of the batch.
func (s *Snapshot) ImageSizes(batch int) ([]postprocess.Size, error) {
	if len(s.Sizes) > 0 {
		if len(s.Sizes) != batch {
			return nil, errors.Wrapf(model.ErrShapeMismatch, "%d sizes for %d images", len(s.Sizes), batch)
		}
		return s.Sizes, nil
	}
	sizes := make([]postprocess.Size, batch)
	for i := range sizes {
		sizes[i] = postprocess.Size{Height: 1, Width: 1}
		if i < len(s.Targets) && s.Targets[i].Size[0] > 0 && s.Targets[i].Size[1] > 0 {
			sizes[i] = postprocess.Size{Height: s.Targets[i].Size[0], Width: s.Targets[i].Size[1]}
		}
	}
	return sizes, nil
}

// headSnapshot encodes head outputs in the snapshot layout.
func headSnapshot(out *model.Outputs) *outputsJSON {
	enc := func(p model.Prediction) predictionJSON {
		return predictionJSON{
			Logits:     encodeTensor(p.Logits),
			Boxes:      encodeTensor(p.Boxes),
			Objectness: encodeTensor(p.Objectness),
			Masks:      encodeTensor(p.Masks),
		}
	}
	o := &outputsJSON{predictionJSON: enc(out.Prediction)}
	for _, a := range out.Aux {
		o.Aux = append(o.Aux, enc(a))
	}
	if out.Enc != nil {
		e := enc(*out.Enc)
		o.Enc = &e
	}
	return o
}
