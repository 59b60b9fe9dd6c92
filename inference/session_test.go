package inference

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		ModelPath: "transformer.onnx",
		Batch:     2,
		Height:    8,
		Width:     8,
		Layers:    3,
		Queries:   4,
		HiddenDim: 5,
		RefDim:    4,
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		ok     bool
	}{
		{"valid", func(*Options) {}, true},
		{"no model", func(o *Options) { o.ModelPath = "" }, false},
		{"no batch", func(o *Options) { o.Batch = 0 }, false},
		{"no layers", func(o *Options) { o.Layers = 0 }, false},
		{"reference dim", func(o *Options) { o.RefDim = 3 }, false},
		{"point references", func(o *Options) { o.RefDim = 2 }, true},
		{"negative encoder", func(o *Options) { o.Spatial = -1 }, false},
		{"mask features", func(o *Options) { o.MaskHeight, o.MaskWidth = 2, 2 }, true},
		{"mask height only", func(o *Options) { o.MaskHeight = 2 }, false},
		{"provider", func(o *Options) { o.Provider = "tpu" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions()
			tt.modify(&o)
			if tt.ok {
				assert.NoError(t, o.Validate())
			} else {
				assert.Error(t, o.Validate())
			}
		})
	}
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider("")
	require.NoError(t, err)
	assert.Equal(t, CPUExecutionProvider, p)

	p, err = ParseProvider(" CUDA ")
	require.NoError(t, err)
	assert.Equal(t, CUDAExecutionProvider, p)

	_, err = ParseProvider("tensorrt")
	assert.Error(t, err)
}

func TestNewSessionMissingLibrary(t *testing.T) {
	o := testOptions()
	o.LibPath = filepath.Join(t.TempDir(), "libonnxruntime.so")
	_, err := NewSession(o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "library not found")
}

func TestDecodeOutputs(t *testing.T) {
	o := testOptions()
	shapes := outputShapes(o)
	outs := make([][]float32, len(shapes))
	for i, dims := range shapes {
		n := 1
		for _, d := range dims {
			n *= int(d)
		}
		outs[i] = make([]float32, n)
		for j := range outs[i] {
			outs[i][j] = float32(i*1000 + j)
		}
	}

	in, err := decodeOutputs(o, outs)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 4, 5}, []int(in.Hidden.Shape()))
	require.Len(t, in.References, 3)
	assert.Nil(t, in.Encoder)

	step := 2 * 4 * 4
	assert.Equal(t, float32(1000), in.References[0].Data().([]float32)[0])
	assert.Equal(t, float32(2000), in.References[1].Data().([]float32)[0])
	assert.Equal(t, float32(2000+step), in.References[2].Data().([]float32)[0])
	assert.Equal(t, []int{2, 4, 4}, []int(in.References[2].Shape()))

	// Outputs are copied out of the session buffers.
	outs[0][0] = -1
	assert.Equal(t, float32(0), in.Hidden.Data().([]float32)[0])

	_, err = decodeOutputs(o, outs[:2])
	require.Error(t, err)
	var st interface{ StackTrace() errors.StackTrace }
	assert.ErrorAs(t, err, &st)
	outs[1] = outs[1][:3]
	_, err = decodeOutputs(o, outs)
	assert.Error(t, err)
}

func TestDecodeEncoderOutputs(t *testing.T) {
	o := testOptions()
	o.Spatial = 6
	shapes := outputShapes(o)
	require.Len(t, shapes, 5)
	outs := make([][]float32, len(shapes))
	for i, dims := range shapes {
		n := 1
		for _, d := range dims {
			n *= int(d)
		}
		outs[i] = make([]float32, n)
	}

	in, err := decodeOutputs(o, outs)
	require.NoError(t, err)
	require.NotNil(t, in.Encoder)
	assert.Equal(t, []int{2, 6, 5}, []int(in.Encoder.Memory.Shape()))
	assert.Equal(t, []int{2, 6, 4}, []int(in.Encoder.Proposals.Shape()))
	assert.Equal(t, []string{OutputHidden, OutputInitReference, OutputInterReferences,
		OutputEncoderMemory, OutputEncoderProposal}, outputNames(o))
}

func TestDecodeMaskFeatures(t *testing.T) {
	o := testOptions()
	o.Spatial = 6
	o.MaskHeight, o.MaskWidth = 2, 3
	shapes := outputShapes(o)
	require.Len(t, shapes, 6)
	assert.Equal(t, []int64{2, 2, 3, 5}, shapes[5])
	assert.Equal(t, OutputMaskFeatures, outputNames(o)[5])

	outs := make([][]float32, len(shapes))
	for i, dims := range shapes {
		n := 1
		for _, d := range dims {
			n *= int(d)
		}
		outs[i] = make([]float32, n)
	}
	outs[5][7] = 3

	in, err := decodeOutputs(o, outs)
	require.NoError(t, err)
	require.NotNil(t, in.Encoder)
	require.NotNil(t, in.MaskFeatures)
	assert.Equal(t, []int{2, 2, 3, 5}, []int(in.MaskFeatures.Shape()))
	assert.Equal(t, float32(3), in.MaskFeatures.Data().([]float32)[7])
}

func TestPrepareInput(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 128, A: 255})
		}
	}

	const size = 8
	pixels := make([]float32, 2*3*size*size)
	mask := make([]uint8, 2*size*size)
	got, err := PrepareInput(img, size, 1, pixels, mask)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 4), got)

	plane := size * size
	slot := pixels[3*plane:]
	m := mask[plane:]
	assert.InDelta(t, (1-0.485)/0.229, slot[0], 0.05)
	assert.InDelta(t, (0-0.456)/0.224, slot[plane], 0.05)
	assert.Equal(t, uint8(0), m[3*size+7])
	assert.Equal(t, uint8(1), m[4*size])
	assert.Equal(t, float32(0), slot[4*size])

	// Slot 0 is untouched.
	assert.Equal(t, float32(0), pixels[0])
	assert.Equal(t, uint8(0), mask[0])

	_, err = PrepareInput(img, size, 2, pixels, mask)
	assert.Error(t, err)
}

// TestSessionRun needs an exported transformer and the native runtime.
func TestSessionRun(t *testing.T) {
	modelPath, libPath := os.Getenv("DETR_ONNX_MODEL"), os.Getenv("ONNXRUNTIME_LIB")
	if modelPath == "" || libPath == "" {
		t.Skip("DETR_ONNX_MODEL and ONNXRUNTIME_LIB are not set")
	}
	o := Options{
		ModelPath: modelPath,
		LibPath:   libPath,
		Batch:     1,
		Height:    800,
		Width:     800,
		Layers:    6,
		Queries:   300,
		HiddenDim: 256,
		RefDim:    4,
	}
	s, err := NewSession(o)
	require.NoError(t, err)
	defer s.Close()

	in, err := s.Run(make([]float32, 3*800*800), make([]uint8, 800*800))
	require.NoError(t, err)
	assert.Len(t, in.References, 6)
	_, ok := s.Tracker().Operation(OperationRun)
	assert.True(t, ok)
}
