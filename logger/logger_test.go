package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Info("ignored", "k", "v")
		l.With("a", 1).Warn("still ignored")
		l.Sync()
	})
}

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).With("case_id", "c-1")

	l.Info("stage changed", "from", "initial", "to", "passed_70_rule")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "stage changed", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "c-1", fields["case_id"])
	assert.Equal(t, "passed_70_rule", fields["to"])
}

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"dev", "production"} {
		l, err := New(mode)
		require.NoError(t, err, mode)
		require.NotNil(t, l.SugaredLogger)
	}
}
