package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(TraceLevel))
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestLevelFromString(t *testing.T) {
	level, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, level)

	level, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)

	_, err = LevelFromString("shouting")
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "sess-1")
	ctx = ContextWithAttempt(ctx, 3)

	logger := NewTestLogger()
	logger.Info(ctx, "hello")

	entries := logger.FilterMessage("hello").All()
	require.Len(t, entries, 1)

	fields := map[string]any{}
	for _, f := range entries[0].Context {
		switch f.Type {
		case zapcore.StringType:
			fields[f.Key] = f.String
		case zapcore.Int64Type:
			fields[f.Key] = int(f.Integer)
		}
	}
	assert.Equal(t, "sess-1", fields["session.id"])
	assert.Equal(t, 3, fields["attempt"])
}

func TestTestLogger_Assertions(t *testing.T) {
	logger := NewTestLogger()
	logger.Warn(context.Background(), "strategist did not delegate", zap.String("session.id", "s"))

	logger.AssertLogged(t, zapcore.WarnLevel, "did not delegate")
	logger.AssertNotLogged(t, zapcore.ErrorLevel, "did not delegate")
}
