// Package temporal adapts engine.Engine onto go.temporal.io/sdk, so a
// REPLOID run can survive a process restart: the workflow carries the Agent
// Cycle Engine's control loop, tool/LLM invocations run as activities, and
// HITL decisions arrive as workflow signals.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/reploid-dev/reploid/engine"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client; required.
	Client client.Client
	// TaskQueue is the queue workers poll and workflows/activities run on.
	TaskQueue string
}

type eng struct {
	client    client.Client
	taskQueue string

	mu         sync.Mutex
	workflows  map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityFunc
	w          worker.Worker
}

// New returns an engine.Engine backed by a Temporal client. Call Worker to
// obtain the worker.Worker and start it once every workflow/activity has
// been registered.
func New(opts Options) (engine.Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("temporal: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal: task queue is required")
	}
	return &eng{
		client:     opts.Client,
		taskQueue:  opts.TaskQueue,
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityFunc),
	}, nil
}

// Worker lazily constructs the worker.Worker, registering every
// workflow/activity definition seen so far. Call after all Register* calls,
// before worker.Run.
func (e *eng) Worker() worker.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w != nil {
		return e.w
	}
	e.w = worker.New(e.client, e.taskQueue, worker.Options{})
	for name, def := range e.workflows {
		e.w.RegisterWorkflowWithOptions(e.workflowFunc(def), workflow.RegisterOptions{Name: name})
	}
	for name, handler := range e.activities {
		e.w.RegisterActivityWithOptions(e.activityFunc(handler), activity.RegisterOptions{Name: name})
	}
	return e.w
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal: invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("temporal: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal: invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("temporal: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def.Handler
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	_, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrWorkflowNotFound, req.Workflow)
	}
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: e.taskQueue,
	}, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal: start workflow %q: %w", req.Workflow, err)
	}
	return &wfHandle{client: e.client, run: run}, nil
}

// workflowFunc adapts a WorkflowFunc into a Temporal-shaped workflow
// function: it wraps workflow.Context in wfCtx so the handler only ever
// touches the engine-agnostic WorkflowContext surface.
func (e *eng) workflowFunc(def engine.WorkflowDefinition) any {
	return func(wctx workflow.Context, input any) (any, error) {
		return def.Handler(&wfCtx{wctx: wctx}, input)
	}
}

// activityFunc adapts an ActivityFunc into a plain Go function Temporal can
// register: it takes a standard context.Context, matching what activities
// actually execute under.
func (e *eng) activityFunc(handler engine.ActivityFunc) any {
	return func(ctx context.Context, input any) (any, error) {
		return handler(ctx, input)
	}
}

type wfHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *wfHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *wfHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *wfHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

type wfCtx struct {
	wctx workflow.Context
}

// Context returns a plain background context for call sites that merely
// need to satisfy a context.Context parameter (e.g. building a request
// struct); it is not replay-aware. Determinism-sensitive operations must go
// through ExecuteActivity/SignalChannel/Now instead of this context.
func (w *wfCtx) Context() context.Context {
	return context.Background()
}

func (w *wfCtx) RunID() string {
	return workflow.GetInfo(w.wctx).WorkflowExecution.RunID
}

func (w *wfCtx) Now() time.Time {
	return workflow.Now(w.wctx)
}

func (w *wfCtx) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	fut := workflow.ExecuteActivity(w.wctx, req.Name, req.Input)
	return fut.Get(w.wctx, result)
}

func (w *wfCtx) SignalChannel(name string) engine.SignalChannel {
	return signalChan{ch: workflow.GetSignalChannel(w.wctx, name), wctx: w.wctx}
}

type signalChan struct {
	ch   workflow.ReceiveChannel
	wctx workflow.Context
}

func (s signalChan) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.wctx, dest)
	return nil
}

func (s signalChan) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}
