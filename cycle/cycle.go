// Package cycle implements the Agent Cycle Engine: the top-level
// Think-Act-Observe-Reflect finite state automaton that drives one agent
// session, enforcing iteration/token/failure/wall-clock budgets and routing
// core-affecting tool calls through the Verification Pipeline and HITL
// Controller. See spec §4.10.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/convo"
	"github.com/reploid-dev/reploid/hitl"
	"github.com/reploid-dev/reploid/llm"
	"github.com/reploid-dev/reploid/snapshot"
	"github.com/reploid-dev/reploid/telemetry"
	"github.com/reploid-dev/reploid/tools"
	"github.com/reploid-dev/reploid/verify"
	"github.com/reploid-dev/reploid/vfs"
)

// State is one FSM state of a cycle (spec §4.10).
type State string

const (
	StateIdle             State = "idle"
	StateThinking         State = "thinking"
	StateAwaitingApproval State = "awaiting_approval"
	StateActing           State = "acting"
	StateObserving        State = "observing"
	StateReflecting       State = "reflecting"
	StateHalted           State = "halted"
	StateErrored          State = "errored"
)

// Budgets are the hard-fail limits enforced every iteration (spec §4.10).
type Budgets struct {
	// MaxIterations caps total `thinking` entries. Zero uses DefaultMaxIterations.
	MaxIterations int
	// MaxSessionTokens caps cumulative input+output tokens for the session. Zero means unlimited.
	MaxSessionTokens int
	// MaxConsecutiveFailures halts the cycle once this many tool/LLM failures
	// occur back to back. Zero uses DefaultMaxConsecutiveFailures.
	MaxConsecutiveFailures int
	// WallClock bounds total wall time for the whole Run call. Zero means unlimited.
	WallClock time.Duration
}

const (
	DefaultMaxIterations          = 50
	DefaultMaxConsecutiveFailures = 5
)

// Counters tracks per-session budget consumption, exposed on Result for
// callers and tests to assert against (spec §4.13: "cycle_count at halt <=
// max_iterations").
type Counters struct {
	CycleCount          int
	ConsecutiveFailures int
	TokensUsedSession   int
}

// BreakerReason identifies which budget tripped a halt.
type BreakerReason string

const (
	BreakerMaxIterations    BreakerReason = "max_iterations"
	BreakerMaxSessionTokens BreakerReason = "max_session_tokens"
	BreakerConsecutiveFails BreakerReason = "consecutive_failures"
	BreakerWallClock        BreakerReason = "wall_clock_ms"
	BreakerCancelled        BreakerReason = "cancelled"
)

// BreakerPayload is emitted on "cycle:breaker" when a budget trips.
type BreakerPayload struct {
	Reason   BreakerReason
	Counters Counters
}

// Result is returned by Run once the cycle halts or errors.
type Result struct {
	FinalState State
	Counters   Counters
	Err        error
}

// Options configures an Engine.
type Options struct {
	Budgets Budgets
	// ContextBudget bounds the Context Window's token budget (spec §4.8).
	ContextBudget int
	// CorePrefixes mirrors the verify.Pipeline's core-path prefixes so the
	// cycle knows when to snapshot before a tool call, without reaching into
	// the pipeline's private configuration.
	CorePrefixes []string
	// CoreChangeToolID is the tool id the Engine registers natively to bridge
	// LLM-issued tool calls into the Verification Pipeline / HITL Controller
	// (spec §4.10 flow: "Verification Pipeline... applies proposed VFS
	// writes... Snapshot taken before any core mutation").
	CoreChangeToolID string
	// Grant restricts which capabilities tool invocations may exercise for
	// this session. Nil trusts each tool's own declared capabilities.
	Grant *tools.Grant
	// Caller is the write_vfs prefix set this session is allowed to propose
	// changes under, checked by the Verification Pipeline's static screen.
	Caller verify.WriteCapability
}

const DefaultCoreChangeToolID = "vfs.propose_change"

type (
	// Engine drives one agent session's Think-Act-Observe-Reflect loop.
	Engine struct {
		model     llm.Client
		reg       *tools.Registry
		runner    *tools.Runner
		pipeline  *verify.Pipeline
		approvals *hitl.Controller
		snapshots *snapshot.Store
		fs        *vfs.Vfs
		bus       *bus.Bus
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer

		opts Options

		mu       sync.Mutex
		state    State
		counters Counters
		started  time.Time
		cancel   context.CancelFunc
	}

	// proposeChangeRequest is the JSON shape the core-change tool expects.
	proposeChangeRequest struct {
		Changes map[string]proposeChangeEntry `json:"changes"`
	}
	proposeChangeEntry struct {
		Content string `json:"content"`
		Delete  bool   `json:"delete"`
	}
)

// ErrAlreadyRunning is returned by Run if the cycle is not idle or halted.
var ErrAlreadyRunning = errors.New("cycle: engine is already running")

// New constructs an Engine and registers its core-change bridge tool on runner.
func New(model llm.Client, reg *tools.Registry, runner *tools.Runner, pipeline *verify.Pipeline, approvals *hitl.Controller, snapshots *snapshot.Store, fs *vfs.Vfs, b *bus.Bus, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, opts Options) *Engine {
	if opts.Budgets.MaxIterations <= 0 {
		opts.Budgets.MaxIterations = DefaultMaxIterations
	}
	if opts.Budgets.MaxConsecutiveFailures <= 0 {
		opts.Budgets.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if opts.CoreChangeToolID == "" {
		opts.CoreChangeToolID = DefaultCoreChangeToolID
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
	e := &Engine{
		model: model, reg: reg, runner: runner, pipeline: pipeline, approvals: approvals,
		snapshots: snapshots, fs: fs, bus: b, logger: logger, metrics: metrics, tracer: tracer,
		opts: opts, state: StateIdle,
	}
	runner.RegisterNative(opts.CoreChangeToolID, tools.ExecutorFunc(e.proposeChange))
	if b != nil {
		b.On("approval:pending", func(_ context.Context, _ string, _ bus.Payload) { e.setState(StateAwaitingApproval) })
		b.On("approval:decided", func(_ context.Context, _ string, payload bus.Payload) {
			if e.State() == StateAwaitingApproval {
				e.setState(StateActing)
			}
			_ = payload
		})
	}
	return e
}

// State returns the engine's current FSM state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Counters returns a snapshot of current budget consumption.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// Cancel requests cooperative cancellation; the next suspension point (LLM
// call, tool invocation, approval wait) observes it (spec §4.10: "cancel()
// — caller-initiated").
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run drives one session to completion: thinking, acting, observing, and
// reflecting until the goal is complete, a budget trips, or ctx is
// cancelled. Run is not safe to call concurrently on the same Engine.
func (e *Engine) Run(ctx context.Context, goal string, window *convo.Window, toolDefs []llm.ToolDefinition) Result {
	e.mu.Lock()
	if e.state != StateIdle && e.state != StateHalted {
		e.mu.Unlock()
		return Result{FinalState: e.state, Err: ErrAlreadyRunning}
	}
	runCtx, cancel := context.WithCancel(ctx)
	if e.opts.Budgets.WallClock > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, e.opts.Budgets.WallClock)
	}
	e.cancel = cancel
	e.counters = Counters{}
	e.started = time.Now()
	e.state = StateThinking
	e.mu.Unlock()
	defer cancel()

	if err := window.Append(runCtx, convo.Message{Role: convo.RoleUser, Content: goal}); err != nil {
		return e.fail(err)
	}

	for {
		if reason, tripped := e.checkBudgets(runCtx); tripped {
			e.bus.Emit(runCtx, "cycle:breaker", BreakerPayload{Reason: reason, Counters: e.Counters()})
			return e.halt()
		}

		resp, err := e.think(runCtx, window, toolDefs)
		if err != nil {
			e.onFailure()
			if reason, tripped := e.checkBudgets(runCtx); tripped {
				e.bus.Emit(runCtx, "cycle:breaker", BreakerPayload{Reason: reason, Counters: e.Counters()})
				return e.halt()
			}
			continue
		}
		e.addTokens(resp.Usage.TotalTokens)

		if len(resp.ToolCalls) == 0 {
			complete := e.reflect(runCtx, resp, window)
			if complete {
				return e.halt()
			}
			continue
		}

		for _, call := range resp.ToolCalls {
			result, actErr := e.act(runCtx, call)
			e.observe(runCtx, window, call, result, actErr)
			if actErr != nil {
				e.onFailure()
			} else {
				e.resetFailures()
			}
		}

		if reason, tripped := e.checkBudgets(runCtx); tripped {
			e.bus.Emit(runCtx, "cycle:breaker", BreakerPayload{Reason: reason, Counters: e.Counters()})
			return e.halt()
		}
		e.setState(StateThinking)
	}
}

func (e *Engine) think(ctx context.Context, window *convo.Window, toolDefs []llm.ToolDefinition) (llm.Response, error) {
	e.setState(StateThinking)
	e.bus.Emit(ctx, "cycle:think_begin", nil)
	defer e.bus.Emit(ctx, "cycle:think_end", nil)

	messages, err := window.Assemble(ctx, convo.Hints{})
	if err != nil {
		return llm.Response{}, fmt.Errorf("assemble context: %w", err)
	}
	req := llm.Request{Messages: toLLMMessages(messages), Tools: toolDefs}

	streamer, err := e.model.Stream(ctx, req)
	if errors.Is(err, llm.ErrStreamingUnsupported) {
		return e.model.Complete(ctx, req)
	}
	if err != nil {
		return llm.Response{}, err
	}
	defer streamer.Close()
	return drainStream(ctx, e.bus, streamer)
}

// drainStream collects a Streamer into a single Response, emitting
// llm:stream_delta for every text/tool-call chunk observed in between
// cycle:think_begin and cycle:think_end (spec §4.10 ordering guarantee).
func drainStream(ctx context.Context, b *bus.Bus, s llm.Streamer) (llm.Response, error) {
	var resp llm.Response
	var text string
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return resp, err
		}
		switch chunk.Type {
		case llm.ChunkTypeText:
			text += chunk.Text
			b.Emit(ctx, "llm:stream_delta", chunk)
		case llm.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
			b.Emit(ctx, "llm:stream_delta", chunk)
		case llm.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				resp.Usage.OutputTokens += chunk.UsageDelta.OutputTokens
				resp.Usage.TotalTokens += chunk.UsageDelta.OutputTokens
			}
		case llm.ChunkTypeStop:
			resp.StopReason = chunk.StopReason
		}
	}
	if text != "" {
		resp.Content = append(resp.Content, llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{llm.TextPart{Text: text}}})
	}
	return resp, nil
}

func (e *Engine) act(ctx context.Context, call llm.ToolCall) (json.RawMessage, error) {
	e.setState(StateActing)
	if e.touchesCore(call.Name) {
		if _, err := e.snapshots.Create(ctx, fmt.Sprintf("pre-%s-%d", call.Name, time.Now().UnixNano())); err != nil {
			e.logger.Warn(ctx, "cycle: pre-core snapshot failed", "tool", call.Name, "err", err)
		}
	}
	return e.runner.Invoke(ctx, e.opts.Grant, call.Name, call.Payload)
}

func (e *Engine) touchesCore(toolID string) bool {
	def, ok := e.reg.Resolve(toolID)
	if !ok {
		return toolID == e.opts.CoreChangeToolID
	}
	for _, c := range def.Capabilities {
		if c.Kind != tools.WriteVFS {
			continue
		}
		for _, prefix := range c.PrefixSet {
			for _, core := range e.opts.CorePrefixes {
				if hasPrefix(prefix, core) {
					return true
				}
			}
		}
	}
	return false
}

func (e *Engine) observe(ctx context.Context, window *convo.Window, call llm.ToolCall, result json.RawMessage, err error) {
	e.setState(StateObserving)
	content := any(string(result))
	if err != nil {
		content = err.Error()
	}
	_ = window.Append(ctx, convo.Message{
		Role:    convo.RoleToolResult,
		Content: fmt.Sprintf("%v", content),
	})
}

// reflect decides whether the goal is complete from a text-only completion
// (spec §4.10: "reflecting -> thinking if goal incomplete; -> halted if
// complete"). Completion is signalled by the model's stop reason; anything
// else is treated as an incomplete turn that should continue thinking.
func (e *Engine) reflect(ctx context.Context, resp llm.Response, window *convo.Window) bool {
	e.setState(StateReflecting)
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if t, ok := p.(llm.TextPart); ok {
				_ = window.Append(ctx, convo.Message{Role: convo.RoleAssistant, Content: t.Text})
			}
		}
	}
	return resp.StopReason == "end_turn" || resp.StopReason == "stop" || resp.StopReason == ""
}

func (e *Engine) checkBudgets(ctx context.Context) (BreakerReason, bool) {
	if ctx.Err() != nil {
		if e.opts.Budgets.WallClock > 0 && time.Since(e.started) >= e.opts.Budgets.WallClock {
			return BreakerWallClock, true
		}
		return BreakerCancelled, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counters.CycleCount >= e.opts.Budgets.MaxIterations {
		return BreakerMaxIterations, true
	}
	if e.opts.Budgets.MaxSessionTokens > 0 && e.counters.TokensUsedSession >= e.opts.Budgets.MaxSessionTokens {
		return BreakerMaxSessionTokens, true
	}
	if e.counters.ConsecutiveFailures >= e.opts.Budgets.MaxConsecutiveFailures {
		return BreakerConsecutiveFails, true
	}
	return "", false
}

func (e *Engine) addTokens(n int) {
	e.mu.Lock()
	e.counters.CycleCount++
	e.counters.TokensUsedSession += n
	e.mu.Unlock()
}

func (e *Engine) onFailure() {
	e.mu.Lock()
	e.counters.ConsecutiveFailures++
	e.mu.Unlock()
}

func (e *Engine) resetFailures() {
	e.mu.Lock()
	e.counters.ConsecutiveFailures = 0
	e.mu.Unlock()
}

func (e *Engine) halt() Result {
	e.setState(StateHalted)
	return Result{FinalState: StateHalted, Counters: e.Counters()}
}

func (e *Engine) fail(err error) Result {
	e.setState(StateErrored)
	e.bus.Emit(context.Background(), "cycle:error", err.Error())
	e.setState(StateHalted)
	return Result{FinalState: StateHalted, Counters: e.Counters(), Err: err}
}

// proposeChange bridges an LLM-issued core-change tool call into the
// Verification Pipeline and, when gated, the HITL Controller. Registered as
// a native Executor under Options.CoreChangeToolID.
func (e *Engine) proposeChange(ctx context.Context, def tools.Definition, args json.RawMessage, _ *tools.Handle) (json.RawMessage, error) {
	var req proposeChangeRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, &tools.ToolError{Stage: "decode", Message: "malformed change set: " + err.Error()}
	}
	changes := make(verify.ChangeSet, len(req.Changes))
	for path, entry := range req.Changes {
		changes[vfs.Path(path)] = verify.ChangeEntry{Content: []byte(entry.Content), Delete: entry.Delete}
	}

	result, err := e.pipeline.Run(ctx, changes, e.opts.Caller)
	if err != nil {
		return nil, &tools.ToolError{Stage: "verify", Message: err.Error()}
	}
	if !result.Gated {
		if result.Status != verify.StatusPass {
			return nil, &tools.ToolError{Stage: "verify", Message: result.Reason}
		}
		return json.Marshal(map[string]string{"status": "applied"})
	}

	decision, err := e.approvals.Submit(ctx, hitl.KindCoreWrite, def.ID)
	if err != nil || decision != hitl.DecisionApproved {
		return nil, &tools.ToolError{Stage: "approval", Message: "core change rejected or expired"}
	}
	if err := e.pipeline.Apply(ctx, changes); err != nil {
		return nil, &tools.ToolError{Stage: "apply", Message: err.Error()}
	}
	return json.Marshal(map[string]string{"status": "applied"})
}

// toLLMMessages translates the Context Window onto the model client's wire
// shape. Neither adapter's message encoder accepts a bare "tool"/"tool_result"
// role (spec §4.1's Request only distinguishes system/user/assistant), so
// tool invocations and their results are folded onto RoleUser, matching how
// the teacher's model package represents tool turns to providers that lack a
// dedicated tool-result message type.
func toLLMMessages(msgs []convo.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		role := llm.Role(m.Role)
		switch m.Role {
		case convo.RoleTool, convo.RoleToolResult:
			role = llm.RoleUser
		}
		out[i] = llm.Message{Role: role, Parts: []llm.Part{llm.TextPart{Text: m.Content}}}
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
