// Package inference - ONNX Runtime session for the exported backbone and transformer.
package inference

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detr/models/deformable"
	"github.com/nvr-ai/go-detr/profiler"
)

// Tensor names of the exported transformer.
const (
	InputImages = "images"
	InputMask   = "mask"

	OutputHidden          = "hs"
	OutputInitReference   = "init_reference"
	OutputInterReferences = "inter_references"
	OutputEncoderMemory   = "enc_memory"
	OutputEncoderProposal = "enc_proposals"
	OutputMaskFeatures    = "mask_features"
)

// OperationRun is the profiler operation recorded for every session run.
const OperationRun = "transformer"

// Options describes the exported model and the fixed shapes of its tensors.
type Options struct {
	// ModelPath is the ONNX file of the backbone and transformer.
	ModelPath string
	// LibPath is the ONNX Runtime shared library.
	LibPath string
	// Provider selects the execution provider (default: cpu).
	Provider Provider
	// Threads bounds intra-op parallelism; 0 lets the runtime decide.
	Threads int

	Batch  int
	Height int
	Width  int

	// Layers is the number of decoder layers L.
	Layers int
	// Queries is the number of object queries Q.
	Queries int
	// HiddenDim is the decoder width D.
	HiddenDim int
	// RefDim is 2 for point references and 4 for box references (with box refinement).
	RefDim int
	// Spatial is the flattened encoder length S; the encoder outputs are bound only when
	// it is positive (two-stage models).
	Spatial int
	// MaskHeight and MaskWidth size the [B, H, W, D] mask feature map; it is bound only
	// when both are positive (segmentation models).
	MaskHeight int
	MaskWidth  int

	Logger  *zap.Logger
	Tracker *profiler.Tracker
}

// Validate checks the shape options.
func (o Options) Validate() error {
	if o.ModelPath == "" {
		return errors.New("model path is required")
	}
	if o.Batch <= 0 || o.Height <= 0 || o.Width <= 0 {
		return errors.Errorf("invalid input shape [%d, 3, %d, %d]", o.Batch, o.Height, o.Width)
	}
	if o.Layers <= 0 || o.Queries <= 0 || o.HiddenDim <= 0 {
		return errors.Errorf("invalid decoder shape: layers %d, queries %d, hidden %d", o.Layers, o.Queries, o.HiddenDim)
	}
	if o.RefDim != 2 && o.RefDim != 4 {
		return errors.Errorf("reference dimension must be 2 or 4, got %d", o.RefDim)
	}
	if o.Spatial < 0 {
		return errors.Errorf("invalid encoder length %d", o.Spatial)
	}
	if o.MaskHeight < 0 || o.MaskWidth < 0 || (o.MaskHeight > 0) != (o.MaskWidth > 0) {
		return errors.Errorf("invalid mask feature size %dx%d", o.MaskHeight, o.MaskWidth)
	}
	if _, err := ParseProvider(string(o.Provider)); err != nil {
		return err
	}
	return nil
}

// Session runs the exported transformer with preallocated tensors. It is not safe for
// concurrent use; Run serializes callers.
type Session struct {
	mu      sync.Mutex
	opts    Options
	log     *zap.Logger
	tracker *profiler.Tracker

	session *ort.AdvancedSession
	images  *ort.Tensor[float32]
	mask    *ort.Tensor[uint8]
	outputs []*ort.Tensor[float32]
}

var environment sync.Mutex

// initEnvironment loads the shared library once per process.
func initEnvironment(libPath string) error {
	environment.Lock()
	defer environment.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "error initializing ORT environment")
	}
	return nil
}

// NewSession creates a session for the exported transformer.
//
// Order of operations:
//  1. Library path check: Ensures native runtime is accessible.
//  2. Environment setup: Required once per process.
//  3. Tensor allocation: Fixed-shape buffers for the inputs and outputs.
//  4. Session options: Threading, graph optimization and the execution provider.
//  5. Session creation: Loads the model and binds the tensors.
//
// Arguments:
//   - opts: Model path, library path and tensor shapes.
//
// Returns:
//   - *Session: The session; Close releases its native resources.
//   - error: An error if any step fails.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Provider == "" {
		opts.Provider = CPUExecutionProvider
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracker == nil {
		opts.Tracker = profiler.NewTracker(profiler.Options{Logger: opts.Logger})
	}

	if _, err := os.Stat(opts.LibPath); err != nil {
		return nil, errors.Wrapf(err, "ONNX Runtime library not found at %q", opts.LibPath)
	}
	if err := initEnvironment(opts.LibPath); err != nil {
		return nil, err
	}

	s := &Session{opts: opts, log: opts.Logger, tracker: opts.Tracker}
	if err := s.allocate(); err != nil {
		s.Close()
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	defer options.Destroy()

	if err := configure(options, opts); err != nil {
		s.Close()
		return nil, err
	}

	inputs := []ort.ArbitraryTensor{s.images, s.mask}
	outputs := make([]ort.ArbitraryTensor, len(s.outputs))
	for i, t := range s.outputs {
		outputs[i] = t
	}
	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{InputImages, InputMask},
		outputNames(opts),
		inputs,
		outputs,
		options,
	)
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "error creating ORT session")
	}
	s.session = session

	s.log.Info("transformer session ready",
		zap.String("model", opts.ModelPath),
		zap.String("provider", string(opts.Provider)),
		zap.Ints("input", []int{opts.Batch, 3, opts.Height, opts.Width}),
	)
	return s, nil
}

func configure(options *ort.SessionOptions, opts Options) error {
	if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
		return errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(0); err != nil {
		return errors.Wrap(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return errors.Wrap(err, "error setting graph optimization level")
	}
	return appendProvider(options, opts.Provider)
}

func outputNames(opts Options) []string {
	names := []string{OutputHidden, OutputInitReference, OutputInterReferences}
	if opts.Spatial > 0 {
		names = append(names, OutputEncoderMemory, OutputEncoderProposal)
	}
	if opts.MaskHeight > 0 {
		names = append(names, OutputMaskFeatures)
	}
	return names
}

func outputShapes(opts Options) [][]int64 {
	l, b, q := int64(opts.Layers), int64(opts.Batch), int64(opts.Queries)
	d, r := int64(opts.HiddenDim), int64(opts.RefDim)
	shapes := [][]int64{
		{l, b, q, d},
		{b, q, r},
		{l, b, q, r},
	}
	if opts.Spatial > 0 {
		s := int64(opts.Spatial)
		shapes = append(shapes, []int64{b, s, d}, []int64{b, s, 4})
	}
	if opts.MaskHeight > 0 {
		shapes = append(shapes, []int64{b, int64(opts.MaskHeight), int64(opts.MaskWidth), d})
	}
	return shapes
}

func (s *Session) allocate() error {
	o := s.opts
	images, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(o.Batch), 3, int64(o.Height), int64(o.Width)))
	if err != nil {
		return errors.Wrap(err, "error creating input tensor")
	}
	s.images = images

	mask, err := ort.NewEmptyTensor[uint8](ort.NewShape(int64(o.Batch), int64(o.Height), int64(o.Width)))
	if err != nil {
		return errors.Wrap(err, "error creating mask tensor")
	}
	s.mask = mask

	for _, dims := range outputShapes(o) {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
		if err != nil {
			return errors.Wrapf(err, "error creating output tensor %v", dims)
		}
		s.outputs = append(s.outputs, t)
	}
	return nil
}

// Run executes the transformer on a batch.
//
// Arguments:
//   - images: Normalized pixels, [B, 3, H, W].
//   - mask: Padding mask, [B, H, W]; 1 marks padded pixels.
//
// Returns:
//   - deformable.Input: Hidden states and per-layer references for the detection head.
//   - error: A size mismatch or runtime failure.
func (s *Session) Run(images []float32, mask []uint8) (deformable.Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return deformable.Input{}, errors.New("session is closed")
	}
	dst := s.images.GetData()
	if len(images) != len(dst) {
		return deformable.Input{}, errors.Errorf("images hold %d floats, need %d", len(images), len(dst))
	}
	m := s.mask.GetData()
	if len(mask) != len(m) {
		return deformable.Input{}, errors.Errorf("mask holds %d values, need %d", len(mask), len(m))
	}
	copy(dst, images)
	copy(m, mask)

	done := s.tracker.StartOperation(OperationRun)
	err := s.session.Run()
	elapsed := done()
	if err != nil {
		return deformable.Input{}, errors.Wrap(err, "error running transformer")
	}
	s.log.Debug("transformer run", zap.Duration("elapsed", elapsed))

	outs := make([][]float32, len(s.outputs))
	for i, t := range s.outputs {
		outs[i] = t.GetData()
	}
	return decodeOutputs(s.opts, outs)
}

// Tracker returns the tracker receiving run timings.
func (s *Session) Tracker() *profiler.Tracker { return s.tracker }

// Close releases the resources associated with the Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.images != nil {
		s.images.Destroy()
		s.images = nil
	}
	if s.mask != nil {
		s.mask.Destroy()
		s.mask = nil
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
	s.outputs = nil

	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		if err != nil {
			return errors.Wrap(err, "error destroying ORT session")
		}
	}
	return nil
}
