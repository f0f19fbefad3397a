package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", ItemID(ctx))
	assert.Equal(t, "", CallID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithCall(ctx, "item-1", "call-1")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "item-1", ItemID(ctx))
	assert.Equal(t, "call-1", CallID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithCall(WithRunID(context.Background(), "run-abc"), "item-x", "call-7")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "item_id=item-x")
	assert.Contains(t, output, "call_id=call-7")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(WithRunID(context.Background(), "run-only"), logger).Info("partial")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-only")
	assert.NotContains(t, output, "item_id")
	assert.NotContains(t, output, "call_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "runloop")

	ctx := WithRunID(context.Background(), "run-9")
	logger.InfoContext(ctx, "decision applied")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-9")
	assert.Contains(t, output, "component=runloop")
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
