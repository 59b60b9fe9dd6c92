// Package logger - zap logger construction.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger writing debug and info entries to stdout and warnings and errors
// to stderr. Debug entries are only written when debug is set.
func New(debug bool) *zap.Logger {
	return NewWithWriters(debug, os.Stdout, os.Stderr)
}

// NewWithWriters is New with explicit destinations.
func NewWithWriters(debug bool, stdout, stderr io.Writer) *zap.Logger {
	// debug and info level enabler
	debugInfoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.DebugLevel || level == zapcore.InfoLevel
	})

	// info level enabler
	infoLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.InfoLevel
	})

	// warn, error and fatal level enabler
	warnErrorFatalLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	stdoutSyncer := zapcore.Lock(zapcore.AddSync(stdout))
	stderrSyncer := zapcore.Lock(zapcore.AddSync(stderr))

	encoderConfig := zap.NewProductionEncoderConfig()
	low := infoLevel
	if debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		low = debugInfoLevel
	}

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stdoutSyncer, low),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), stderrSyncer, warnErrorFatalLevel),
	)
	return zap.New(core)
}
