package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("nonsense").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("nonsense").Core().Enabled(zapcore.DebugLevel))
	assert.NotNil(t, NewWithFormat("info", "console"))
}

func TestContextLogger_AddsIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "alice")
	cl.LogRequest(ctx, "GET", "/health", 200, 3)
	cl.LogError(context.Background(), errors.New("boom"), "failed")

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "alice", fields["user_id"])
	assert.NotContains(t, fields, "trace_id")
	assert.Equal(t, "/health", fields["path"])

	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
