// Package logging constructs the one zap logger attemptd threads through
// every long-lived component at startup. There is no package-level
// logger: every component that needs to log takes a *zap.SugaredLogger
// explicitly in its constructor.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger.
type Options struct {
	// Debug enables debug-level output. Maps to cmd/attemptd's --debug flag.
	Debug bool
	// JSON forces JSON encoding even on a terminal; attemptd sets it from
	// the log_json config key, which defaults to false.
	JSON bool
}

// New builds the process-wide logger. Callers own the returned logger and
// must call Sync before exit.
func New(opts Options) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if !opts.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("attemptengine: build logger: %w", err)
	}
	return logger.Sugar(), nil
}
