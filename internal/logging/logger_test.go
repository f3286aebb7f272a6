package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   LogLevel
		logFn   func(l *Logger)
		written bool
	}{
		{"debug below info", InfoLevel, func(l *Logger) { l.Debug("hidden") }, false},
		{"info at info", InfoLevel, func(l *Logger) { l.Info("shown") }, true},
		{"warn above info", InfoLevel, func(l *Logger) { l.Warn("shown") }, true},
		{"error below fatal", FatalLevel, func(l *Logger) { l.Error("hidden") }, false},
		{"debug at debug", DebugLevel, func(l *Logger) { l.Debug("shown") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.logFn(New(tt.level, &buf))
			assert.Equal(t, tt.written, buf.Len() > 0)
		})
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(DebugLevel, &buf).WithSweep("abc").WithField("run", 3)

	logger.Info("Run finished", Fields{"cost": 1.5, "error": errors.New("boom")})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Run finished", entry["message"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "abc", entry["sweep_id"])
	assert.Equal(t, float64(3), entry["run"])
	assert.Equal(t, 1.5, entry["cost"])
	assert.Equal(t, "boom", entry["error"])
	assert.Contains(t, entry["caller"], "logging/logger_test.go")
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(InfoLevel, &buf)
	_ = parent.WithField("child", true)

	parent.Info("parent")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, ok := entry["child"]
	assert.False(t, ok)
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf).WithFormat(TextFormat)

	logger.Info("Sweep started", Fields{"runs": 10, "b": "x"})

	line := buf.String()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "Sweep started")
	assert.Contains(t, line, "runs=10")
	assert.True(t, strings.Index(line, "b=x") < strings.Index(line, "runs=10"), "keys are sorted")
}

func TestNewLoggerConfig(t *testing.T) {
	logger, err := NewLogger(&Config{Level: "debug", Format: "console", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, logger.Level())
	assert.Equal(t, TextFormat, logger.format)

	logger, err = NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, logger.Level())
	assert.Equal(t, JSONFormat, logger.format)

	_, err = NewLogger(&Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewLoggerVerbosity(t *testing.T) {
	tests := []struct {
		level     string
		verbosity int
		want      LogLevel
	}{
		{"warn", 0, WarnLevel},
		{"warn", 1, InfoLevel},
		{"debug", 1, DebugLevel},
		{"error", 2, DebugLevel},
	}
	for _, tt := range tests {
		logger, err := NewLogger(&Config{Level: tt.level, Verbosity: tt.verbosity})
		require.NoError(t, err)
		assert.Equal(t, tt.want, logger.Level(), "level %s verbosity %d", tt.level, tt.verbosity)
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dffit.log")
	logger, err := NewLogger(&Config{Output: path})
	require.NoError(t, err)

	logger.Info("Run completed", Fields{"run": 3})
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"run":3`)
}

func TestZapAdapterForwardsFields(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(DebugLevel, &buf)).Named("lsq")

	zl.Debug("iteration",
		zap.Int("iter", 4),
		zap.Float64("cost", 0.25),
		zap.Bool("accepted", true),
		zap.String("status", "ok"),
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "iteration", entry["message"])
	assert.Equal(t, "lsq", entry["logger"])
	assert.Equal(t, float64(4), entry["iter"])
	assert.Equal(t, 0.25, entry["cost"])
	assert.Equal(t, true, entry["accepted"])
	assert.Equal(t, "ok", entry["status"])
}

func TestZapAdapterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(WarnLevel, &buf))

	zl.Info("dropped")
	assert.Zero(t, buf.Len())

	zl.Warn("kept")
	assert.NotZero(t, buf.Len())
}
