package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Format = FormatText

	l := New(cfg)
	l.Info("interface up", "iface", "eth0", "mark", 1)

	out := buf.String()
	assert.Contains(t, out, "interface up")
	assert.Contains(t, out, "iface=eth0")
	assert.Contains(t, out, "mark=1")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Format = FormatJSON

	l := New(cfg)
	l.Warn("health transition", "iface", "eth1", "state", "down")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "health transition", rec["msg"])
	assert.Equal(t, "eth1", rec["iface"])
	assert.Equal(t, "down", rec["state"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Level = "warn"

	l := New(cfg)
	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	l := New(cfg).With("component", "reconciler")
	l.Info("applied")

	assert.Contains(t, buf.String(), "component=reconciler")
}

func TestNewNop_DiscardsOutput(t *testing.T) {
	l := NewNop()
	l.Info("nobody hears this")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.False(t, cfg.Syslog.Enabled)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"warn":    "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		got := parseLevel(in).String()
		if !strings.EqualFold(got, want) {
			t.Errorf("parseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
