package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewBuildsLogger(t *testing.T) {
	log, err := New(Options{})
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()

	log.Infow("hello", "k", "v")
}

func TestNewDebugEnablesDebugLevel(t *testing.T) {
	log, err := New(Options{Debug: true, JSON: true})
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()

	require.True(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
	log.Debugw("debug message")
}
