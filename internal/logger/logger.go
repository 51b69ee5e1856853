package logger

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

var agentLogger atomic.Pointer[Logger]

func init() {
	agentLogger.Store(NewLogger(slog.Default()))
}

// Logger wraps slog so the same value can be handed to badger and go-plugin.
type Logger struct {
	slogger *slog.Logger
}

func NewLogger(l *slog.Logger) *Logger {
	return &Logger{slogger: l}
}

func Default() *Logger {
	return agentLogger.Load()
}

func SetDefault(l *Logger) {
	agentLogger.Store(l)
}

func SetLogLevel(level slog.Level) {
	slog.SetLogLoggerLevel(level)
}

// ParseLevel maps the config names onto slog levels; unknown names map to INFO.
func ParseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slog wrapper

func Debug(msg string, args ...any) {
	agentLogger.Load().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	agentLogger.Load().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	agentLogger.Load().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	agentLogger.Load().Error(msg, args...)
}

// With returns a child logger carrying args on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slogger: l.slogger.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.slogger.Debug(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.slogger.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.slogger.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.slogger.Error(msg, args...)
}

// badger.Logger

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.slogger.Error(fmt.Sprintf(format, args...))
}

func (l *Logger) Warningf(format string, args ...interface{}) {
	l.slogger.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.slogger.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.slogger.Debug(fmt.Sprintf(format, args...))
}

// tail.logger

func (l *Logger) Fatal(v ...interface{}) {
	l.slogger.Error("An error occured", genericPairs(v...)...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.slogger.Error(fmt.Sprintf(format, v...))
}

func (l *Logger) Fatalln(v ...interface{}) {
	l.slogger.Error(fmt.Sprint(v...))
}

func (l *Logger) Panic(v ...interface{}) {
	l.slogger.Error("", genericPairs(v...)...)
}

func (l *Logger) Panicf(format string, v ...interface{}) {
	l.slogger.Error(fmt.Sprintf(format, v...))
}

func (l *Logger) Panicln(v ...interface{}) {
	l.slogger.Error(fmt.Sprint(v...))
}

func (l *Logger) Print(v ...interface{}) {
	l.slogger.Info(fmt.Sprint(v...))
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.slogger.Info(fmt.Sprintf(format, v...))
}

func (l *Logger) Println(v ...interface{}) {
	l.slogger.Info(fmt.Sprint(v...))
}

func genericPairs(v ...interface{}) []any {
	pairs := make([]any, 0, len(v)/2)
	for i := 0; i < len(v)-1; i += 2 {
		key, ok := v[i].(string)
		if !ok {
			key = fmt.Sprintf("non_string_key_%d", i)
		}
		pairs = append(pairs, slog.Any(key, v[i+1]))
	}
	return pairs
}
