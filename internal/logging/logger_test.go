package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelDebug).WithRun("run-1").WithTask("task-a")

	logger.Info("task dispatched", "workspace_id", "ws-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "task dispatched", entry["msg"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "task-a", entry["task_id"])
	assert.Equal(t, "ws-1", entry["workspace_id"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestChildLoggerDoesNotLeakAttributes(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf, LevelInfo)
	_ = parent.WithTask("child-only")

	parent.Info("parent")
	assert.NotContains(t, buf.String(), "child-only")
}

func TestNewLoggerCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := NewLogger(dir, "info")
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "Close must be idempotent")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := NopLogger()
	assert.Same(t, l, OrNop(l))
}
