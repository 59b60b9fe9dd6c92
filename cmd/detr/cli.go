package main

import (
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detr/config"
	"github.com/nvr-ai/go-detr/distributed"
	"github.com/nvr-ai/go-detr/inference"
	"github.com/nvr-ai/go-detr/logger"
	"github.com/nvr-ai/go-detr/models/deformable"
	"github.com/nvr-ai/go-detr/models/postprocess"
	"github.com/nvr-ai/go-detr/profiler"
	"github.com/nvr-ai/go-detr/training"
)

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "detr",
		Short:         "Deformable DETR detection head, criterion and post-processing",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newLossCmd(),
		newDetectCmd(),
		newTrainCmd(),
		newInferCmd(),
	)
	return rootCmd
}

// app is the per-command environment: configuration, logger and assembled detector.
type app struct {
	cfg     *config.AppConfig
	log     *zap.Logger
	det     *deformable.Detector
	release func() error
}

func (a *app) Close() error {
	_ = a.log.Sync()
	if a.release != nil {
		return a.release()
	}
	return nil
}

// setup loads the configuration and builds the detector, applying command-line
// overrides in modify.
func setup(cmd *cobra.Command, modify func(*config.AppConfig) error) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Log.Debug = true
	}
	if modify != nil {
		if err := modify(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	log := logger.New(cfg.Log.Debug)
	reducer, release, err := distributed.New(cmd.Context(), cfg.Distributed, log)
	if err != nil {
		return nil, err
	}
	det, err := deformable.Build(cfg.BuildOptions(reducer, log))
	if err != nil {
		_ = release()
		return nil, err
	}
	return &app{cfg: cfg, log: log, det: det, release: release}, nil
}

func (a *app) loadCheckpoint(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open checkpoint %s", path)
	}
	defer f.Close()
	return a.det.Head.Load(f)
}

// name labels detections with the class names of the configured family.
func (a *app) name(dets ...[]postprocess.Result) {
	for _, image := range dets {
		for i := range image {
			image[i].Name = a.cfg.Model.Family.ClassName(image[i].Class)
		}
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// LossReport is the output of the loss command.
type LossReport struct {
	Losses   map[string]float64 `json:"losses"`
	Total    float64            `json:"total"`
	NumBoxes float64            `json:"num_boxes"`
}

func newLossCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Compute the loss dictionary of a head-output snapshot",
		Args:  cobra.NoArgs,
		RunE:  lossHandler,
	}
	cmd.Flags().String("snapshot", "", "JSON snapshot with outputs and targets")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func lossHandler(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	path, _ := cmd.Flags().GetString("snapshot")
	snap, err := ReadSnapshot(path)
	if err != nil {
		return err
	}
	out, err := snap.Head()
	if err != nil {
		return err
	}
	res, err := a.det.Criterion.Forward(cmd.Context(), out, snap.Targets)
	if err != nil {
		return err
	}
	return writeJSON(cmd, LossReport{Losses: res.Losses, Total: res.Total, NumBoxes: res.NumBoxes})
}

func newDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Post-process the final layer of a head-output snapshot",
		Args:  cobra.NoArgs,
		RunE:  detectHandler,
	}
	cmd.Flags().String("snapshot", "", "JSON snapshot with outputs")
	cmd.Flags().String("mode", "", "Post-processor: bbox or nms (default from config)")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func withMode(cmd *cobra.Command) func(*config.AppConfig) error {
	return func(cfg *config.AppConfig) error {
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			cfg.PostProcess.Mode = postprocess.Mode(mode)
		}
		return nil
	}
}

func detectHandler(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd, withMode(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	path, _ := cmd.Flags().GetString("snapshot")
	snap, err := ReadSnapshot(path)
	if err != nil {
		return err
	}
	out, err := snap.Head()
	if err != nil {
		return err
	}
	if out.Logits == nil {
		return errors.New("snapshot outputs have no pred_logits")
	}
	sizes, err := snap.ImageSizes(out.Logits.Shape()[0])
	if err != nil {
		return err
	}
	dets, err := a.det.PostProcessor.Process(cmd.Context(), &out.Prediction, sizes)
	if err != nil {
		return err
	}
	a.name(dets...)
	return writeJSON(cmd, dets)
}

// TrainReport is the output of the train command.
type TrainReport struct {
	Steps  int                                `json:"steps"`
	First  float64                            `json:"first"`
	Last   float64                            `json:"last"`
	Losses map[string]float64                 `json:"losses"`
	Phases map[string]profiler.OperationStats `json:"phases"`
}

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the detection head to a transformer-output snapshot",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}
	cmd.Flags().String("snapshot", "", "JSON snapshot with transformer outputs and targets")
	cmd.Flags().Int("steps", 10, "Number of optimisation steps")
	cmd.Flags().String("resume", "", "Checkpoint to start from")
	cmd.Flags().String("checkpoint", "", "Where to write the trained head")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func trainHandler(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	steps, _ := cmd.Flags().GetInt("steps")
	if steps <= 0 {
		return errors.Errorf("steps must be positive, got %d", steps)
	}
	resume, _ := cmd.Flags().GetString("resume")
	if err := a.loadCheckpoint(resume); err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("snapshot")
	snap, err := ReadSnapshot(path)
	if err != nil {
		return err
	}
	in, err := snap.Input()
	if err != nil {
		return err
	}

	tracker := profiler.NewTracker(profiler.Options{Logger: a.log})
	tr, err := training.New(a.det, float32(a.cfg.Training.LearningRate), tracker, a.log)
	if err != nil {
		return err
	}

	report := TrainReport{Steps: steps, Phases: make(map[string]profiler.OperationStats)}
	for i := 0; i < steps; i++ {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		res, err := tr.Step(cmd.Context(), in, snap.Targets)
		if err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
		if i == 0 {
			report.First = res.Total
		}
		report.Last = res.Total
		report.Losses = res.Losses
	}
	for _, phase := range []string{training.PhaseForward, training.PhaseCriterion, training.PhaseBackward} {
		if s, ok := tracker.Operation(phase); ok {
			report.Phases[phase] = s
		}
	}
	tracker.Report()

	if out, _ := cmd.Flags().GetString("checkpoint"); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return errors.Wrapf(err, "failed to create checkpoint %s", out)
		}
		if err := a.det.Head.Save(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return errors.Wrapf(err, "failed to write checkpoint %s", out)
		}
	}
	return writeJSON(cmd, report)
}

func newInferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer IMAGE",
		Short: "Run the exported transformer and the detection head on an image",
		Args:  cobra.ExactArgs(1),
		RunE:  inferHandler,
	}
	cmd.Flags().String("checkpoint", "", "Trained head checkpoint")
	cmd.Flags().String("mode", "", "Post-processor: bbox or nms (default from config)")
	cmd.Flags().Int("spatial", 0, "Flattened encoder length for two-stage models")
	cmd.Flags().Int("mask-stride", 4, "Input stride of the mask feature map for segmentation models")
	return cmd
}

func inferHandler(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd, withMode(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	ckpt, _ := cmd.Flags().GetString("checkpoint")
	if err := a.loadCheckpoint(ckpt); err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open image %s", args[0])
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to decode image %s", args[0])
	}

	provider, err := inference.ParseProvider(a.cfg.Inference.Provider)
	if err != nil {
		return err
	}
	spatial, _ := cmd.Flags().GetInt("spatial")
	m := a.cfg.Model
	refDim := 2
	if m.WithBoxRefine || m.TwoStage {
		refDim = 4
	}
	size := a.cfg.Inference.ImageSize
	var maskSize int
	if m.Masks {
		stride, _ := cmd.Flags().GetInt("mask-stride")
		if stride <= 0 || stride > size {
			return errors.Errorf("mask stride must be in [1, %d], got %d", size, stride)
		}
		maskSize = size / stride
	}
	sess, err := inference.NewSession(inference.Options{
		ModelPath:  a.cfg.Inference.ModelPath,
		LibPath:    a.cfg.Inference.LibPath,
		Provider:   provider,
		Threads:    a.cfg.Inference.Threads,
		Batch:      1,
		Height:     size,
		Width:      size,
		Layers:     m.DecLayers,
		Queries:    m.NumQueries,
		HiddenDim:  m.HiddenDim,
		RefDim:     refDim,
		Spatial:    spatial,
		MaskHeight: maskSize,
		MaskWidth:  maskSize,
		Logger:     a.log,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	pixels := make([]float32, 3*size*size)
	mask := make([]uint8, size*size)
	if _, err := inference.PrepareInput(img, size, 0, pixels, mask); err != nil {
		return err
	}
	in, err := sess.Run(pixels, mask)
	if err != nil {
		return err
	}
	out, err := a.det.Head.Forward(in)
	if err != nil {
		return err
	}
	b := img.Bounds()
	dets, err := a.det.PostProcessor.Process(cmd.Context(), &out.Prediction,
		[]postprocess.Size{{Height: b.Dy(), Width: b.Dx()}})
	if err != nil {
		return err
	}
	a.name(dets...)
	return writeJSON(cmd, dets[0])
}
