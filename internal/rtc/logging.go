package rtc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace is the slog level pion trace output is written at.
const LevelTrace = slog.LevelDebug - 4

// LoggerFactory routes pion's internal logging into slog. Each pion scope
// becomes a "scope" attribute.
type LoggerFactory struct {
	Logger *slog.Logger
}

var _ logging.LoggerFactory = LoggerFactory{}

// NewLogger implements [logging.LoggerFactory].
func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := f.Logger
	if l == nil {
		l = slog.Default()
	}
	return &scopedLogger{l: l.With("scope", "pion/"+scope)}
}

type scopedLogger struct {
	l *slog.Logger
}

func (s *scopedLogger) log(level slog.Level, msg string) {
	s.l.Log(context.Background(), level, msg)
}

func (s *scopedLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !s.l.Enabled(ctx, level) {
		return
	}
	s.l.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (s *scopedLogger) Trace(msg string)                  { s.log(LevelTrace, msg) }
func (s *scopedLogger) Tracef(format string, args ...any) { s.logf(LevelTrace, format, args...) }
func (s *scopedLogger) Debug(msg string)                  { s.log(slog.LevelDebug, msg) }
func (s *scopedLogger) Debugf(format string, args ...any) { s.logf(slog.LevelDebug, format, args...) }
func (s *scopedLogger) Info(msg string)                   { s.log(slog.LevelInfo, msg) }
func (s *scopedLogger) Infof(format string, args ...any)  { s.logf(slog.LevelInfo, format, args...) }
func (s *scopedLogger) Warn(msg string)                   { s.log(slog.LevelWarn, msg) }
func (s *scopedLogger) Warnf(format string, args ...any)  { s.logf(slog.LevelWarn, format, args...) }
func (s *scopedLogger) Error(msg string)                  { s.log(slog.LevelError, msg) }
func (s *scopedLogger) Errorf(format string, args ...any) { s.logf(slog.LevelError, format, args...) }
