package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zap.InfoLevel,
		"info":    zap.InfoLevel,
		"DEBUG":   zap.DebugLevel,
		" warn ":  zap.WarnLevel,
		"Error":   zap.ErrorLevel,
		"verbose": zap.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in).Level(), "parseLogLevel(%q)", in)
	}
}

func TestNewLogger_HonoursLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	logger, err := NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}

func TestLoggerFromContext(t *testing.T) {
	require.NotNil(t, LoggerFromContext(context.Background()), "empty context must yield a no-op logger")

	core, logs := observer.New(zap.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core).With(zap.String("correlation_id", "req-1")))
	LoggerFromContext(ctx).Debug("city lookup")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "city lookup", entry.Message)
	assert.Equal(t, "req-1", entry.ContextMap()["correlation_id"])
}

func TestLoggerFromContext_NilLogger(t *testing.T) {
	ctx := WithLogger(context.Background(), nil)
	assert.NotNil(t, LoggerFromContext(ctx))
}

func TestCorrelationIDFromContext(t *testing.T) {
	assert.Empty(t, CorrelationIDFromContext(context.Background()))

	ctx := WithCorrelationID(context.Background(), "6f1c2d7e")
	assert.Equal(t, "6f1c2d7e", CorrelationIDFromContext(ctx))
}
