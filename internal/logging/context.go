package logging

import (
	"context"
	"crypto/rand"
	"io"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	traceIDKey           contextKey = "trace_id"
	executorLogWriterKey contextKey = "executor_log_writer"
)

// TraceIDHook copies the trace id stored on the event's context into the
// log line. Use it with Event.Ctx.
type TraceIDHook struct{}

// Run implements zerolog.Hook.
func (TraceIDHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	if id := TraceIDFromContext(e.GetCtx()); id != "" {
		e.Str("trace_id", id)
	}
}

// ContextWithTraceID returns a copy of ctx carrying traceID.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id stored on ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// GetOrGenerateTraceID returns the trace id on ctx or a fresh ULID.
func GetOrGenerateTraceID(ctx context.Context) string {
	if id := TraceIDFromContext(ctx); id != "" {
		return id
	}
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// ContextWithExecutorLogWriter stores the writer that executor subprocesses
// should send their stdout/stderr to.
func ContextWithExecutorLogWriter(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, executorLogWriterKey, w)
}

// ExecutorLogWriterFromContext returns the executor output writer on ctx, or
// nil when subprocess output should go to stderr.
func ExecutorLogWriterFromContext(ctx context.Context) io.Writer {
	if ctx == nil {
		return nil
	}
	w, _ := ctx.Value(executorLogWriterKey).(io.Writer)
	return w
}
