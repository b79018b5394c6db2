package mysqlbus

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger captures store and transport logs; implementors can wrap slog/zap/etc.
type Logger interface {
	Info(ctx context.Context, format string, v ...any)
	Warn(ctx context.Context, format string, v ...any)
	Error(ctx context.Context, format string, v ...any)
}

// NopLogger discards all logs.
type NopLogger struct{}

// Info implements Logger.
func (NopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(context.Context, string, ...any) {}

// NewSlogLogger adapts a *slog.Logger. A nil argument uses slog.Default.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{l: l}
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Info(ctx context.Context, format string, v ...any) {
	s.l.InfoContext(ctx, fmt.Sprintf(format, v...))
}

func (s slogLogger) Warn(ctx context.Context, format string, v ...any) {
	s.l.WarnContext(ctx, fmt.Sprintf(format, v...))
}

func (s slogLogger) Error(ctx context.Context, format string, v ...any) {
	s.l.ErrorContext(ctx, fmt.Sprintf(format, v...))
}
