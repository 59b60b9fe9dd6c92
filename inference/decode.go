package inference

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detr/models/deformable"
	"github.com/nvr-ai/go-detr/models/model"
)

// decodeOutputs copies the session outputs into the head's input layout. Layer l uses
// the initial reference for l = 0 and inter_references[l-1] otherwise.
func decodeOutputs(opts Options, outs [][]float32) (deformable.Input, error) {
	shapes := outputShapes(opts)
	if len(outs) != len(shapes) {
		return deformable.Input{}, errors.Errorf("got %d outputs, want %d", len(outs), len(shapes))
	}
	for i, dims := range shapes {
		n := 1
		for _, d := range dims {
			n *= int(d)
		}
		if len(outs[i]) != n {
			return deformable.Input{}, errors.Errorf("output %d holds %d floats, want %v", i, len(outs[i]), dims)
		}
	}

	l, b, q := opts.Layers, opts.Batch, opts.Queries
	d, r := opts.HiddenDim, opts.RefDim
	in := deformable.Input{
		Hidden:     model.NewTensor(clone(outs[0]), l, b, q, d),
		References: make([]*tensor.Dense, l),
	}
	in.References[0] = model.NewTensor(clone(outs[1]), b, q, r)
	step := b * q * r
	for i := 1; i < l; i++ {
		in.References[i] = model.NewTensor(clone(outs[2][(i-1)*step:i*step]), b, q, r)
	}

	if opts.Spatial > 0 {
		s := opts.Spatial
		in.Encoder = &deformable.EncoderInput{
			Memory:    model.NewTensor(clone(outs[3]), b, s, d),
			Proposals: model.NewTensor(clone(outs[4]), b, s, 4),
		}
	}
	if opts.MaskHeight > 0 {
		last := outs[len(outs)-1]
		in.MaskFeatures = model.NewTensor(clone(last), b, opts.MaskHeight, opts.MaskWidth, d)
	}
	return in, nil
}

// clone detaches a slice from the session's reusable buffers.
func clone(src []float32) []float32 {
	return append([]float32(nil), src...)
}
