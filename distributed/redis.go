package distributed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures a Redis-backed reducer.
type RedisConfig struct {
	// Addr is the Redis address shared by all workers.
	Addr string `json:"addr" yaml:"addr" koanf:"addr"`
	// Prefix namespaces the keys of one training job.
	Prefix string `json:"prefix" yaml:"prefix" koanf:"prefix"`
	// RunID identifies one launch of the job. Every worker of a launch must use the same
	// value, and a restarted job needs a new one so it never joins a stale round.
	RunID string `json:"run_id" yaml:"run_id" koanf:"runid"`
	// Poll is the interval between arrival checks.
	Poll time.Duration `json:"poll" yaml:"poll" koanf:"poll"`
	// TTL bounds how long a finished round's key survives.
	TTL time.Duration `json:"ttl" yaml:"ttl" koanf:"ttl"`
}

// Redis sums contributions through one Redis hash per round. Each worker adds its values
// with HINCRBYFLOAT and bumps an arrival counter in a single transaction, then polls until
// every worker has arrived.
//
// Each worker owns its own Redis value; rounds are numbered locally, so all workers must
// issue the same sequence of Sum calls. Round keys are prefix:run:round.
type Redis struct {
	client redis.Cmdable
	world  int
	rank   int
	cfg    RedisConfig
	log    *zap.Logger

	mu    sync.Mutex
	round int64
}

// NewRedis creates a reducer for worker rank out of world workers.
//
// Arguments:
//   - client: A connected Redis client.
//   - world: The number of workers taking part in every round.
//   - rank: This worker's index, used for logging.
//   - cfg: Key prefix, poll interval and key TTL. Zero values take defaults.
//   - log: Logger; nil disables logging.
//
// Returns:
//   - *Redis: The reducer.
func NewRedis(client redis.Cmdable, world, rank int, cfg RedisConfig, log *zap.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "detr:reduce"
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 5 * time.Millisecond
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if world < 1 {
		world = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, world: world, rank: rank, cfg: cfg, log: log}
}

// Dial connects to cfg.Addr and verifies the connection with PING.
func Dial(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Addr)
	}
	return client, nil
}

// WorldSize returns the number of workers.
func (r *Redis) WorldSize() int { return r.world }

// Sum adds values to the current round and blocks until all workers have contributed.
func (r *Redis) Sum(ctx context.Context, values []float64) ([]float64, error) {
	r.mu.Lock()
	r.round++
	key := r.key(r.round)
	r.mu.Unlock()

	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSetNX(ctx, key, "size", len(values))
		for i, v := range values {
			p.HIncrByFloat(ctx, key, field(i), v)
		}
		p.HIncrBy(ctx, key, "arrived", 1)
		p.Expire(ctx, key, r.cfg.TTL)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to contribute to %s", key)
	}

	if err := r.wait(ctx, key); err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(values)+1)
	fields = append(fields, "size")
	for i := range values {
		fields = append(fields, field(i))
	}
	raw, err := r.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}

	size, err := parse(raw[0])
	if err != nil {
		return nil, errors.Wrapf(err, "bad size in %s", key)
	}
	if int(size) != len(values) {
		return nil, errors.Wrapf(ErrSizeMismatch, "got %d values, round holds %d", len(values), int(size))
	}

	out := make([]float64, len(values))
	for i := range values {
		v, err := parse(raw[i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "bad value %s in %s", field(i), key)
		}
		out[i] = v
	}
	r.log.Debug("reduced",
		zap.String("key", key),
		zap.Int("rank", r.rank),
		zap.Float64s("sum", out),
	)
	return out, nil
}

func (r *Redis) key(round int64) string {
	if r.cfg.RunID == "" {
		return fmt.Sprintf("%s:%d", r.cfg.Prefix, round)
	}
	return fmt.Sprintf("%s:%s:%d", r.cfg.Prefix, r.cfg.RunID, round)
}

func (r *Redis) wait(ctx context.Context, key string) error {
	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()

	for {
		n, err := r.client.HGet(ctx, key, "arrived").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return errors.Wrapf(err, "failed to poll %s", key)
		}
		if n >= int64(r.world) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func field(i int) string {
	return "v" + strconv.Itoa(i)
}

func parse(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.Errorf("unexpected reply %T", v)
	}
	return strconv.ParseFloat(s, 64)
}
