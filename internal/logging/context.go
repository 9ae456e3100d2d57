// Package logging carries run correlation IDs through contexts into slog records.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	sectionIDKey
	hookIDKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithSectionID returns a context with the section ID set.
func WithSectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sectionIDKey, id)
}

// WithHookID returns a context with the hook ID set.
func WithHookID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, hookIDKey, id)
}

func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

func SectionID(ctx context.Context) string {
	v, _ := ctx.Value(sectionIDKey).(string)
	return v
}

func HookID(ctx context.Context) string {
	v, _ := ctx.Value(hookIDKey).(string)
	return v
}

// WithIDs sets the run and section IDs at once. Empty values are skipped so a
// caller can narrow an existing context without clearing it.
func WithIDs(ctx context.Context, runID, sectionID string) context.Context {
	if runID != "" {
		ctx = WithRunID(ctx, runID)
	}
	if sectionID != "" {
		ctx = WithSectionID(ctx, sectionID)
	}
	return ctx
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := RunID(ctx); v != "" {
		out = append(out, slog.String("run_id", v))
	}
	if v := SectionID(ctx); v != "" {
		out = append(out, slog.String("section_id", v))
	}
	if v := HookID(ctx); v != "" {
		out = append(out, slog.String("hook_id", v))
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Use with slog.New(NewCorrelationHandler(inner))
// and log through the *Context methods.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
