package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Run identifies one generation request in log output.
type Run struct {
	ID         string
	Token      string
	Repository string
}

type runCtxKey struct{}
type providerCtxKey struct{}
type stageCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if run := RunFromContext(ctx); run != nil {
		fields = append(fields,
			zap.String("run.id", run.ID),
			zap.String("run.token", run.Token),
			zap.String("repository", run.Repository),
		)
	}
	if stage, ok := ctx.Value(stageCtxKey{}).(string); ok {
		fields = append(fields, zap.String("stage", stage))
	}
	if provider, ok := ctx.Value(providerCtxKey{}).(string); ok {
		fields = append(fields, zap.String("provider", provider))
	}

	return fields
}

// WithRun tags the context with the run being processed.
func WithRun(ctx context.Context, run Run) context.Context {
	return context.WithValue(ctx, runCtxKey{}, &run)
}

// RunFromContext returns the run attached by WithRun, or nil.
func RunFromContext(ctx context.Context) *Run {
	if r, ok := ctx.Value(runCtxKey{}).(*Run); ok {
		return r
	}
	return nil
}

// WithStage tags the context with the pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stage)
}

// WithProvider tags the context with the provider being called.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerCtxKey{}, provider)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
