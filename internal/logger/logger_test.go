package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func newBufferLogger() (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	h := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewLogger(slog.New(h)), buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"FNORD", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			require.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestWithAddsAttributes(t *testing.T) {
	l, buf := newBufferLogger()
	l.With("plugin", "heartbeat").Info("started")

	require.Contains(t, buf.String(), "plugin=heartbeat")
	require.Contains(t, buf.String(), "msg=started")
}

func TestBadgerInterface(t *testing.T) {
	l, buf := newBufferLogger()
	l.Warningf("value log %d", 3)

	require.Contains(t, buf.String(), "level=WARN")
	require.Contains(t, buf.String(), "value log 3")
}

func TestHCLogAdapterWith(t *testing.T) {
	l, buf := newBufferLogger()
	SetDefault(l)
	defer SetDefault(NewLogger(slog.Default()))

	var hl hclog.Logger = NewHCLogAdapter("plugin")
	hl = hl.Named("tail").With("pid", 42)
	hl.Log(hclog.Error, "plugin exited")

	require.Equal(t, "plugin.tail", hl.Name())
	require.Contains(t, buf.String(), "level=ERROR")
	require.Contains(t, buf.String(), "pid=42")
	require.Contains(t, buf.String(), "subsystem=plugin")
}
