package logger

import (
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter lets go-plugin write through the agent logger.
type HCLogAdapter struct {
	logger *Logger
	name   string
	args   []interface{}
}

// NewHCLogAdapter creates a new HCLog adapter wrapping the default agent logger.
func NewHCLogAdapter(name string) hclog.Logger {
	return &HCLogAdapter{
		logger: Default().With(slog.String("subsystem", name)),
		name:   name,
	}
}

func (h *HCLogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		h.Debug(msg, args...)
	case hclog.Info:
		h.Info(msg, args...)
	case hclog.Warn:
		h.Warn(msg, args...)
	case hclog.Error:
		h.Error(msg, args...)
	}
}

func (h *HCLogAdapter) Trace(msg string, args ...interface{}) {
	h.logger.Debug(msg, append(h.args, args...)...)
}

func (h *HCLogAdapter) Debug(msg string, args ...interface{}) {
	h.logger.Debug(msg, append(h.args, args...)...)
}

func (h *HCLogAdapter) Info(msg string, args ...interface{}) {
	h.logger.Info(msg, append(h.args, args...)...)
}

func (h *HCLogAdapter) Warn(msg string, args ...interface{}) {
	h.logger.Warn(msg, append(h.args, args...)...)
}

func (h *HCLogAdapter) Error(msg string, args ...interface{}) {
	h.logger.Error(msg, append(h.args, args...)...)
}

func (h *HCLogAdapter) IsTrace() bool { return false }
func (h *HCLogAdapter) IsDebug() bool { return true }
func (h *HCLogAdapter) IsInfo() bool  { return true }
func (h *HCLogAdapter) IsWarn() bool  { return true }
func (h *HCLogAdapter) IsError() bool { return true }

func (h *HCLogAdapter) ImpliedArgs() []interface{} {
	return h.args
}

func (h *HCLogAdapter) With(args ...interface{}) hclog.Logger {
	merged := make([]interface{}, 0, len(h.args)+len(args))
	merged = append(merged, h.args...)
	merged = append(merged, args...)
	return &HCLogAdapter{
		logger: h.logger,
		name:   h.name,
		args:   merged,
	}
}

func (h *HCLogAdapter) Name() string {
	return h.name
}

func (h *HCLogAdapter) Named(name string) hclog.Logger {
	return &HCLogAdapter{
		logger: h.logger,
		name:   h.name + "." + name,
		args:   h.args,
	}
}

func (h *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{
		logger: h.logger,
		name:   name,
		args:   h.args,
	}
}

// SetLevel is a no-op; the level is owned by slog.
func (h *HCLogAdapter) SetLevel(level hclog.Level) {}

func (h *HCLogAdapter) GetLevel() hclog.Level {
	return hclog.Info
}

func (h *HCLogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.Default()
}

func (h *HCLogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
