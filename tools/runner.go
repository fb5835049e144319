package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/telemetry"
	"github.com/reploid-dev/reploid/vfs"
)

const (
	// DefaultToolTimeout is the deadline applied to a tool invocation when
	// RunnerOptions.ToolTimeout is zero.
	DefaultToolTimeout = 30 * time.Second
	// DefaultOutputCeilingBytes bounds serialized tool results when
	// RunnerOptions.OutputCeilingBytes is zero.
	DefaultOutputCeilingBytes = 256 * 1024
	// DefaultFetchRatePerSecond bounds network_fetch capability use when
	// RunnerOptions.FetchRatePerSecond is zero.
	DefaultFetchRatePerSecond = 5
)

type (
	// RunnerOptions configures deadline and size-ceiling defaults.
	RunnerOptions struct {
		ToolTimeout        time.Duration
		OutputCeilingBytes int
		// FetchRatePerSecond bounds how often any tool invocation may pass
		// Handle.WaitFetch, process-wide. Tokens refill continuously (a
		// token bucket, not a fixed window).
		FetchRatePerSecond float64
	}

	// Grant restricts the capability kinds a particular invocation context
	// may exercise, regardless of what the tool declares. A nil Grant means
	// "allow whatever the tool's Definition declares" (trust-by-registration,
	// the default for top-level cycle-initiated invocations). Policy engines
	// and HITL-gated contexts pass a narrower Grant to enforce §4.4 step 3.
	Grant struct {
		Capabilities []CapabilityKind
	}

	// Runner validates, authorizes, and dispatches tool invocations per
	// spec §4.4.
	Runner struct {
		reg     *Registry
		fs      *vfs.Vfs
		bus     *bus.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		opts    RunnerOptions

		mu       sync.RWMutex
		native   map[string]Executor
		fallback Executor

		fetchLimiter *rate.Limiter
	}
)

// NewRunner constructs a Runner. fallback (typically NewInterpreter(fs)) is
// used for any tool without a native Executor registered via RegisterNative.
func NewRunner(reg *Registry, fs *vfs.Vfs, b *bus.Bus, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, opts RunnerOptions, fallback Executor) *Runner {
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.OutputCeilingBytes <= 0 {
		opts.OutputCeilingBytes = DefaultOutputCeilingBytes
	}
	if opts.FetchRatePerSecond <= 0 {
		opts.FetchRatePerSecond = DefaultFetchRatePerSecond
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	limiter := rate.NewLimiter(rate.Limit(opts.FetchRatePerSecond), int(opts.FetchRatePerSecond)+1)
	return &Runner{reg: reg, fs: fs, bus: b, logger: logger, metrics: metrics, tracer: tracer, opts: opts, native: make(map[string]Executor), fallback: fallback, fetchLimiter: limiter}
}

// RegisterNative associates a Go-native Executor with a tool id, bypassing
// the default body interpreter. Used for tools whose implementation is part
// of the embedding host rather than agent-authored VFS content.
func (r *Runner) RegisterNative(toolID string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.native[toolID] = exec
}

// Invoke resolves, validates, authorizes, and executes toolID with args,
// following the six steps of spec §4.4. grant may be nil to trust whatever
// the tool's Definition declares.
func (r *Runner) Invoke(ctx context.Context, grant *Grant, toolID string, args json.RawMessage) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "tools.invoke")
	defer span.End()

	def, ok := r.reg.Resolve(toolID)
	if !ok {
		return nil, &Error{Tool: toolID, Kind: ErrUnknownTool}
	}

	r.bus.Emit(ctx, "tool:start", StartPayload{ToolID: toolID, Args: args})

	schema, _ := r.reg.schemaFor(toolID)
	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			return r.finish(ctx, toolID, nil, err)
		}
	}

	if err := checkGrant(def, grant); err != nil {
		return r.finish(ctx, toolID, nil, err)
	}

	deadline := r.opts.ToolTimeout
	if remaining, ok := remainingDeadline(ctx); ok && remaining < deadline {
		deadline = remaining
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	exec := r.executorFor(toolID)
	handle := newHandle(def, r.fs, r.nestedInvoke(runCtx), r.fetchLimiter)
	defer handle.expire()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := exec.Execute(runCtx, def, args, handle)
		resultCh<- outcome{result: res, err: err}
	}()

	select {
	case <-runCtx.Done():
		return r.finish(ctx, toolID, nil, &Error{Tool: toolID, Kind: ErrTimeout})
	case out := <-resultCh:
		if out.err != nil {
			if _, alreadyTyped := out.err.(*ToolError); !alreadyTyped {
				if _, alreadyTyped := out.err.(*CapabilityDeniedError); !alreadyTyped {
					out.err = &ToolError{Stage: "execute", Message: out.err.Error()}
				}
			}
			return r.finish(ctx, toolID, nil, out.err)
		}
		if len(out.result) > r.opts.OutputCeilingBytes {
			truncated := append(json.RawMessage(nil), out.result[:r.opts.OutputCeilingBytes]...)
			return r.finish(ctx, toolID, truncated, &Error{Tool: toolID, Kind: ErrOutputTooLarge})
		}
		return r.finish(ctx, toolID, out.result, nil)
	}
}

func (r *Runner) finish(ctx context.Context, toolID string, result json.RawMessage, err error) (json.RawMessage, error) {
	if err != nil {
		r.metrics.IncCounter("tools.invoke.error", 1, "tool", toolID)
		r.bus.Emit(ctx, "tool:error", ErrorPayload{ToolID: toolID, Error: err.Error(), Partial: result})
		return result, err
	}
	r.metrics.IncCounter("tools.invoke.success", 1, "tool", toolID)
	r.bus.Emit(ctx, "tool:success", SuccessPayload{ToolID: toolID, Result: result})
	return result, nil
}

func (r *Runner) executorFor(toolID string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.native[toolID]; ok {
		return e
	}
	return r.fallback
}

func (r *Runner) nestedInvoke(parentCtx context.Context) func(context.Context, string, []byte) ([]byte, error) {
	return func(_ context.Context, toolID string, args []byte) ([]byte, error) {
		res, err := r.Invoke(parentCtx, nil, toolID, args)
		return res, err
	}
}

func checkGrant(def Definition, grant *Grant) error {
	if grant == nil {
		return nil
	}
	allowed := make(map[CapabilityKind]bool, len(grant.Capabilities))
	for _, k := range grant.Capabilities {
		allowed[k] = true
	}
	for _, c := range def.Capabilities {
		if !allowed[c.Kind] {
			return &CapabilityDeniedError{Missing: c.Kind, Detail: "not present in caller grant"}
		}
	}
	return nil
}

type deadlineKey struct{}

// WithRemainingDeadline attaches the remaining tool-call budget to ctx so
// nested invoke_tool calls receive a shortened deadline (spec §4.4: "the
// dispatcher propagates a shortened deadline to nested calls").
func WithRemainingDeadline(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, deadlineKey{}, d)
}

func remainingDeadline(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(deadlineKey{}).(time.Duration)
	return d, ok
}

// Error is the Runner-level error wrapper carrying the offending tool id.
type Error struct {
	Tool string
	Kind error
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Tool }
func (e *Error) Unwrap() error { return e.Kind }

// StartPayload is emitted on "tool:start".
type StartPayload struct {
	ToolID string
	Args   json.RawMessage
}

// SuccessPayload is emitted on "tool:success".
type SuccessPayload struct {
	ToolID string
	Result json.RawMessage
}

// ErrorPayload is emitted on "tool:error".
type ErrorPayload struct {
	ToolID  string
	Error   string
	Partial json.RawMessage
}
