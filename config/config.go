// Package config - Application configuration loaded with koanf.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detr/criterion"
	"github.com/nvr-ai/go-detr/distributed"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/deformable"
	"github.com/nvr-ai/go-detr/models/model"
	"github.com/nvr-ai/go-detr/models/postprocess"
)

// EnvPrefix prefixes environment overrides: CFG_MODEL_NUMQUERIES sets model.numqueries.
const EnvPrefix = "CFG_"

// AppConfig is the complete configuration of a detector process.
type AppConfig struct {
	Model       model.Options       `koanf:"model"`
	Matcher     matcher.Config      `koanf:"matcher"`
	Loss        LossConfig          `koanf:"loss"`
	PostProcess postprocess.Options `koanf:"postprocess"`
	Distributed distributed.Config  `koanf:"distributed"`
	Inference   InferenceConfig     `koanf:"inference"`
	Training    TrainingConfig      `koanf:"training"`
	Log         LogConfig           `koanf:"log"`
}

// LossConfig holds the criterion settings and the loss coefficients.
type LossConfig struct {
	criterion.Config       `koanf:",squash"`
	criterion.Coefficients `koanf:",squash"`
}

// InferenceConfig locates the exported transformer and the ONNX Runtime library.
type InferenceConfig struct {
	ModelPath string `koanf:"modelpath"`
	LibPath   string `koanf:"libpath"`
	ImageSize int    `koanf:"imagesize"`
	// Provider is the ONNX Runtime execution provider: cpu, cuda, coreml or openvino.
	Provider string `koanf:"provider"`
	Threads  int    `koanf:"threads"`
}

// TrainingConfig holds the optimizer settings.
type TrainingConfig struct {
	LearningRate float64 `koanf:"learningrate"`
}

// LogConfig configures logging.
type LogConfig struct {
	Debug bool `koanf:"debug"`
}

// defaults returns the flattened default values.
func defaults() map[string]any {
	m := model.DefaultOptions()
	mc := matcher.DefaultConfig()
	lc := criterion.DefaultConfig()
	co := criterion.DefaultCoefficients()
	pp := postprocess.DefaultOptions()

	return map[string]any{
		"model.family":           string(m.Family),
		"model.numclasses":       m.NumClasses,
		"model.numqueries":       m.NumQueries,
		"model.numfeaturelevels": m.NumFeatureLevels,
		"model.declayers":        m.DecLayers,
		"model.hiddendim":        m.HiddenDim,
		"model.auxloss":          m.AuxLoss,
		"model.withboxrefine":    m.WithBoxRefine,
		"model.twostage":         m.TwoStage,
		"model.masks":            m.Masks,

		"matcher.costclass":  mc.CostClass,
		"matcher.costbbox":   mc.CostBBox,
		"matcher.costgiou":   mc.CostGIoU,
		"matcher.focalalpha": mc.FocalAlpha,
		"matcher.focalgamma": mc.FocalGamma,
		"matcher.workers":    mc.Workers,

		"loss.losses":         lc.Losses,
		"loss.focalalpha":     lc.FocalAlpha,
		"loss.focalgamma":     lc.FocalGamma,
		"loss.objthreshold":   lc.ObjThreshold,
		"loss.objblend":       lc.ObjBlend,
		"loss.objclassslots":  lc.ObjClassSlots,
		"loss.negativetarget": lc.NegativeTarget,
		"loss.clscoef":        co.Class,
		"loss.bboxcoef":       co.BBox,
		"loss.gioucoef":       co.GIoU,
		"loss.objcoef":        co.Object,
		"loss.maskcoef":       co.Mask,
		"loss.dicecoef":       co.Dice,

		"postprocess.mode":          string(pp.Mode),
		"postprocess.topk":          pp.TopK,
		"postprocess.nmsthreshold":  pp.NMSThreshold,
		"postprocess.precandidates": pp.PreCandidates,
		"postprocess.clip":          pp.Clip,
		"postprocess.workers":       pp.Workers,

		"distributed.backend":      string(distributed.BackendLocal),
		"distributed.worldsize":    1,
		"distributed.rank":         0,
		"distributed.redis.prefix": "detr:reduce",
		"distributed.redis.poll":   5 * time.Millisecond,
		"distributed.redis.ttl":    time.Minute,

		"inference.imagesize": 800,
		"inference.provider":  "cpu",
		"inference.threads":   0,

		"training.learningrate": 2e-4,

		"log.debug": false,
	}
}

// Load builds the configuration from the defaults, the YAML file at path (skipped when
// path is empty) and CFG_ environment variables, in that order, then validates it.
//
// Arguments:
//   - path: Path to a YAML configuration file, or "".
//
// Returns:
//   - *AppConfig: The configuration.
//   - error: A load, decode or validation error.
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", path)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}

	cfg := &AppConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration produced by Load without a file or environment.
func Default() *AppConfig {
	m := model.DefaultOptions()
	return &AppConfig{
		Model:   m,
		Matcher: matcher.DefaultConfig(),
		Loss: LossConfig{
			Config:       criterion.DefaultConfig(),
			Coefficients: criterion.DefaultCoefficients(),
		},
		PostProcess: postprocess.DefaultOptions(),
		Distributed: distributed.Config{
			Backend:   distributed.BackendLocal,
			WorldSize: 1,
			Redis: distributed.RedisConfig{
				Prefix: "detr:reduce",
				Poll:   5 * time.Millisecond,
				TTL:    time.Minute,
			},
		},
		Inference: InferenceConfig{ImageSize: 800, Provider: "cpu"},
		Training:  TrainingConfig{LearningRate: 2e-4},
	}
}

// Validate checks the cross-field rules of the configuration.
func (c *AppConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return errors.Wrap(err, "model")
	}
	if c.Matcher.CostClass == 0 && c.Matcher.CostBBox == 0 && c.Matcher.CostGIoU == 0 {
		return errors.New("matcher: all costs cannot be 0")
	}
	switch c.PostProcess.Mode {
	case postprocess.ModeBBox, postprocess.ModeNMS:
	default:
		return errors.Errorf("postprocess: unsupported mode %q", c.PostProcess.Mode)
	}
	if err := c.Distributed.Validate(); err != nil {
		return err
	}
	if c.Training.LearningRate <= 0 {
		return errors.Errorf("training: learning rate must be positive, got %v", c.Training.LearningRate)
	}
	return nil
}

// BuildOptions converts the configuration into detector build options.
func (c *AppConfig) BuildOptions(reducer distributed.Reducer, log *zap.Logger) deformable.BuildOptions {
	return deformable.BuildOptions{
		Model:        c.Model,
		Matcher:      c.Matcher,
		Loss:         c.Loss.Config,
		Coefficients: c.Loss.Coefficients,
		PostProcess:  c.PostProcess,
		Reducer:      reducer,
		Logger:       log,
	}
}
