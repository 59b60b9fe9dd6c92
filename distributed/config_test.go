package distributed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"local", Config{Backend: BackendLocal, WorldSize: 1}, false},
		{"empty backend", Config{WorldSize: 1}, false},
		{"redis", Config{Backend: BackendRedis, WorldSize: 4, Rank: 3, Redis: RedisConfig{Addr: "localhost:6379", RunID: "a"}}, false},
		{"redis without run id", Config{Backend: BackendRedis, WorldSize: 2, Redis: RedisConfig{Addr: "localhost:6379"}}, true},
		{"redis without address", Config{Backend: BackendRedis, WorldSize: 2}, true},
		{"unknown backend", Config{Backend: "mpi", WorldSize: 1}, true},
		{"zero world", Config{Backend: BackendLocal}, true},
		{"rank outside world", Config{Backend: BackendLocal, WorldSize: 2, Rank: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewReducer(t *testing.T) {
	ctx := context.Background()

	r, closeFn, err := New(ctx, Config{Backend: BackendLocal, WorldSize: 1}, nil)
	require.NoError(t, err)
	assert.IsType(t, Local{}, r)
	assert.NoError(t, closeFn())

	_, mr := setupTestRedis(t)
	cfg := Config{Backend: BackendRedis, WorldSize: 1, Redis: RedisConfig{Addr: mr.Addr(), Prefix: "test", RunID: "a"}}
	r, closeFn, err = New(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, closeFn()) }()

	nb, err := NumBoxes(ctx, r, 7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, nb)

	mr.Close()
	_, _, err = New(ctx, cfg, nil)
	assert.Error(t, err)
}
