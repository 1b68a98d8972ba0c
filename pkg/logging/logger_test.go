package logging

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&Options{Level: LevelInfo, Output: buf})

	logger.Debug("debug message")
	assert.Zero(t, buf.Len(), "debug should be filtered at info level")

	logger.Info("info message")
	assert.Contains(t, buf.String(), "info message")

	buf.Reset()
	logger.SetLevel(LevelError)
	assert.Equal(t, LevelError, logger.GetLevel())
	logger.Warn("warn message")
	assert.Zero(t, buf.Len())
}

func TestDerivedLoggersShareLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	root := NewLogger(&Options{Level: LevelInfo, Output: buf})
	child := root.WithGroup("dispatcher").With("rule_id", "RULE-001")

	root.SetLevel(LevelDebug)
	child.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, LevelDebug, child.GetLevel())
}

func TestStructuredJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&Options{Level: LevelDebug, Output: buf, Format: "json"})

	logger.WithGroup("watcher").With("root", "/repo").Info("watching", "dirs", 3)

	var entry map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "watching", entry["msg"])
	assert.Equal(t, "watcher", entry["logger"])
	assert.Equal(t, "/repo", entry["root"])
	assert.EqualValues(t, 3, entry["dirs"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.log")
	logger := NewLogger(&Options{
		Level:  LevelInfo,
		Output: &bytes.Buffer{},
		File:   &FileOptions{Path: path, MaxSizeMB: 1},
	})

	logger.Info("to file", "k", "v")
	require.NoError(t, logger.Sync())

	data := readFile(t, path)
	assert.True(t, strings.Contains(data, `"msg":"to file"`), data)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"Warning", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidLevel)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Error("ignored")
	assert.Equal(t, LevelInfo, l.GetLevel())
}
