package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// NewSlogLoggerFactory routes pion's internal logging into slog. Each pion
// scope becomes a "pion_scope" attribute. Trace output maps to debug.
func NewSlogLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogLoggerFactory{logger: logger}
}

type slogLoggerFactory struct {
	logger *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{logger: f.logger.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l slogLeveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l slogLeveledLogger) Trace(msg string) { l.log(slog.LevelDebug-4, msg) }
func (l slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.log(slog.LevelDebug-4, fmt.Sprintf(format, args...))
}
func (l slogLeveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l slogLeveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l slogLeveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l slogLeveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
