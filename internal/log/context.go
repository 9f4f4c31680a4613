// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	jobIDKey    ctxKey = "render_job_id"
	clipTaskKey ctxKey = "clip_task_id"
	lineIDKey   ctxKey = "line_id"
)

// ContextWithJobID stores the render job ID in the context.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDKey, id)
}

// ContextWithClipTaskID stores the clip task ID in the context.
func ContextWithClipTaskID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, clipTaskKey, id)
}

// ContextWithLineID stores the lyric line ID in the context.
func ContextWithLineID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, lineIDKey, id)
}

// JobIDFromContext extracts the render job ID from context if present.
func JobIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(jobIDKey).(string); ok {
		return v
	}
	return ""
}

// ClipTaskIDFromContext extracts the clip task ID from context if present.
func ClipTaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(clipTaskKey).(string); ok {
		return v
	}
	return ""
}

// LineIDFromContext extracts the lyric line ID from context if present.
func LineIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(lineIDKey).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if jid := JobIDFromContext(ctx); jid != "" {
		builder = builder.Str("render_job_id", jid)
		added = true
	}
	if cid := ClipTaskIDFromContext(ctx); cid != "" {
		builder = builder.Str("clip_task_id", cid)
		added = true
	}
	if lid := LineIDFromContext(ctx); lid != "" {
		builder = builder.Str("line_id", lid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger annotated with the component name
// and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := WithComponent(component)
	return WithContext(ctx, l)
}
