// Package logging wraps log/slog with OpenTelemetry trace/span
// correlation.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/smartcity/citysim/internal/telemetry/tracing"
)

// Logger is the correlated logging surface used throughout the kernel,
// controller and subsystems.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	With(attrs ...any) Logger
}

type correlated struct {
	base *slog.Logger
}

// New wraps base (or a sensible JSON default, if base is nil) with trace
// correlation.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &correlated{base: base}
}

func (l *correlated) attrs(ctx context.Context, extra []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return extra
	}
	return append(extra, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}

func (l *correlated) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlated) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlated) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlated) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.attrs(ctx, attrs)...)
}

func (l *correlated) With(attrs ...any) Logger {
	return &correlated{base: l.base.With(attrs...)}
}

// LevelFromString maps the CLI's log-level strings onto slog levels.
func LevelFromString(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
