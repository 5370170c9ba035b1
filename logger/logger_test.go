package logger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// stripANSI removes ANSI color codes from a string for testing
func stripANSI(str string) string {
	return regexp.MustCompile(`\x1b\[[0-9;]*m`).ReplaceAllString(str, "")
}

func TestInitialize(t *testing.T) {
	original := Logger
	t.Cleanup(func() { Logger = original; JSONOutput = false })

	require.NoError(t, Initialize(true, "debug"))
	assert.True(t, JSONOutput)
	assert.True(t, Logger.Desugar().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Initialize(false, "warn"))
	assert.False(t, JSONOutput)
	assert.False(t, Logger.Desugar().Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, Initialize(false, "chatty"))
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestLoggerFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	ctx := WithJobID(context.Background(), "job-42")
	ctx = WithWorkerID(ctx, "host-1-99-abcd")

	LoggerFromContext(ctx, base).Infow("Job claimed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "job-42", fields[FieldJobID])
	assert.Equal(t, "host-1-99-abcd", fields[FieldWorkerID])
}

func TestAddPulseSymbol(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	AddPulseSymbol(zap.New(core).Sugar()).Infow("Dispatcher started")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "꩜", logs.All()[0].ContextMap()[FieldSymbol])
}

func TestMinimalEncoderKeepsEveryField(t *testing.T) {
	encoder := newMinimalEncoder()
	entry := zapcore.Entry{
		Level:      zapcore.WarnLevel,
		Time:       time.Date(2025, 3, 9, 13, 4, 35, 0, time.UTC),
		LoggerName: "pulse.dispatcher",
		Message:    "Lease renewal failed",
	}

	buf, err := encoder.EncodeEntry(entry, []zapcore.Field{
		zap.String(FieldJobID, "01928c"),
		zap.Int64(FieldDurationMS, 42),
		zap.String(FieldQueue, "emails"),
		zap.Int("attempt", 2),
		zap.Bool("lost", false),
		zap.Float64("ratio", 0.5),
		zap.Duration("backoff", 1500*time.Millisecond),
		zap.Error(nil),
	})
	require.NoError(t, err)

	out := stripANSI(buf.String())
	assert.Contains(t, out, "13:04:35")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "p.dispatcher")
	assert.Contains(t, out, "Lease renewal failed")
	assert.Contains(t, out, "01928c")
	assert.Contains(t, out, "42ms")
	assert.Contains(t, out, "queue=emails")
	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "lost=false")
	assert.Contains(t, out, "ratio=0.5")
	assert.Contains(t, out, "backoff=1.5s")
}
