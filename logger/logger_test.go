package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriters(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		wantDebug bool
	}{
		{"production", false, false},
		{"debug", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			log := NewWithWriters(tt.debug, &out, &errOut)

			log.Debug("matching")
			log.Info("step")
			log.Warn("slow collective")
			require.NoError(t, log.Sync())

			assert.Equal(t, tt.wantDebug, bytes.Contains(out.Bytes(), []byte("matching")))
			assert.Contains(t, out.String(), "step")
			assert.NotContains(t, out.String(), "slow collective")
			assert.Contains(t, errOut.String(), "slow collective")
			assert.NotContains(t, errOut.String(), "step")
		})
	}
}
