package telemetry

import "context"

type (
	// NoopLogger discards every log line. Used when no Logger is configured.
	NoopLogger struct{}
	// NoopMetrics discards every metric. Used when no Metrics is configured.
	NoopMetrics struct{}
	// NoopTracer never starts a real span. Used when no Tracer is configured.
	NoopTracer struct{}

	noopSpan struct{}
)

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)  {}
func (NoopMetrics) RecordTimer(string, float64, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string) {}

func (NoopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) AddEvent(string, ...any) {}
func (noopSpan) SetError(error)          {}
func (noopSpan) End()                    {}
