package log_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dmls/internal/util/log"
)

func TestNew_Levels(t *testing.T) {
	l, err := log.New("")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l, err = log.New("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = log.New("loud")
	assert.Error(t, err)
}

func TestLoggerFromContext_CarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := log.WithLogger(context.Background(), zap.New(core))
	ctx = log.WithFields(ctx, zap.String("run_id", "r1"))

	log.LoggerFromContext(ctx).Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].ContextMap()["run_id"])
}

func TestLoggerFromContext_DefaultsToNop(t *testing.T) {
	l := log.LoggerFromContext(context.Background())
	require.NotNil(t, l)
	assert.Nil(t, log.Logger(context.Background()))
}

func TestWithFields_SiblingsDoNotShareFields(t *testing.T) {
	parent := log.WithFields(context.Background(),
		zap.String("a", "1"), zap.String("b", "2"))
	parent = log.WithFields(parent, zap.String("c", "3"))

	left := log.WithFields(parent, zap.String("side", "left"))
	right := log.WithFields(parent, zap.String("side", "right"))

	require.Len(t, log.Fields(left), 4)
	require.Len(t, log.Fields(right), 4)
	assert.Equal(t, "left", log.Fields(left)[3].String)
	assert.Equal(t, "right", log.Fields(right)[3].String)
	assert.Len(t, log.Fields(parent), 3)
}
