package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "text")

	l.Debug("hidden")
	l.Info("session: started", "device", "kitchen")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `msg="session: started"`)
	assert.Contains(t, out, "device=kitchen")
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "json")
	l.Debug("receiver: launched", "pid", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "receiver: launched", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.EqualValues(t, 42, rec["pid"])
}

func TestSetupInstallsDefault(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })

	var buf bytes.Buffer
	Setup(&buf, "warn", "text")
	slog.Info("dropped")
	slog.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
