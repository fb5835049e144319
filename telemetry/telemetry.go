// Package telemetry defines the logging, metrics, and tracing contracts used
// throughout REPLOID. Every component accepts a Logger, Metrics, and Tracer
// rather than reaching for a package-level global, so the composition root
// can wire production backends (clue/log, OpenTelemetry) or noop stand-ins
// for tests without touching component code.
package telemetry

import "context"

type (
	// Logger emits structured log lines. Implementations must be safe for
	// concurrent use. keyvals is an alternating key/value list, mirroring the
	// convention used throughout the pack (clue/log, zap's SugaredLogger).
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tag arguments are flat
	// key/value string pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, seconds float64, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans for long-running or cross-component operations
	// (verification trials, tool invocations, cycle steps).
	Tracer interface {
		Start(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is the subset of span behavior REPLOID depends on.
	Span interface {
		AddEvent(name string, keyvals ...any)
		SetError(err error)
		End()
	}
)
