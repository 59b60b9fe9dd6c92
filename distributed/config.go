package distributed

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Backend names a Reducer implementation.
type Backend string

const (
	// BackendLocal runs a single worker.
	BackendLocal Backend = "local"
	// BackendRedis coordinates worker processes through Redis.
	BackendRedis Backend = "redis"
)

// Config selects and configures the reducer of one worker.
type Config struct {
	Backend   Backend     `json:"backend" yaml:"backend" koanf:"backend"`
	WorldSize int         `json:"world_size" yaml:"world_size" koanf:"worldsize"`
	Rank      int         `json:"rank" yaml:"rank" koanf:"rank"`
	Redis     RedisConfig `json:"redis" yaml:"redis" koanf:"redis"`
}

// Validate checks the backend and the worker's place in the world.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendLocal, "":
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("distributed: redis backend needs an address")
		}
		if c.Redis.RunID == "" {
			return errors.New("distributed: redis backend needs a run id")
		}
	default:
		return errors.Errorf("distributed: unsupported backend %q", c.Backend)
	}
	if c.WorldSize < 1 {
		return errors.Errorf("distributed: world size must be positive, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.Errorf("distributed: rank %d outside world of %d", c.Rank, c.WorldSize)
	}
	return nil
}

// New creates the reducer described by cfg.
//
// Arguments:
//   - ctx: Context for the initial connection.
//   - cfg: Backend settings.
//   - log: Logger; nil disables logging.
//
// Returns:
//   - Reducer: The reducer.
//   - func() error: Releases the reducer's resources.
//   - error: Invalid settings or a failed connection.
func New(ctx context.Context, cfg Config, log *zap.Logger) (Reducer, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Backend != BackendRedis {
		return Local{}, func() error { return nil }, nil
	}
	client, err := Dial(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return NewRedis(client, cfg.WorldSize, cfg.Rank, cfg.Redis, log), client.Close, nil
}
