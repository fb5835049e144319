// Package inmem implements engine.Engine without any durable backend: it
// runs each workflow on a goroutine and keeps signal channels in memory.
// Suitable for local development and tests; a process restart loses all
// in-flight runs.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/reploid-dev/reploid/engine"
)

type (
	eng struct {
		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityFunc
	}

	handle struct {
		done chan struct{}
		mu   sync.Mutex
		res  any
		err  error
		wctx *wfCtx
	}

	wfCtx struct {
		ctx   context.Context
		runID string
		eng   *eng

		sigMu sync.Mutex
		sigs  map[string]*signalChan
	}

	signalChan struct{ ch chan any }
)

// New returns a non-durable Engine for local development and tests.
func New() engine.Engine {
	return &eng{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityFunc),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem: invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("inmem: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("inmem: invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("inmem: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def.Handler
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrWorkflowNotFound, req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("inmem: workflow id is required")
	}

	wctx := &wfCtx{ctx: ctx, runID: req.ID, eng: e, sigs: make(map[string]*signalChan)}
	h := &handle{done: make(chan struct{}), wctx: wctx}

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.res, h.err = res, err
		h.mu.Unlock()
	}()

	return h, nil
}

func (w *wfCtx) Context() context.Context { return w.ctx }
func (w *wfCtx) RunID() string            { return w.runID }
func (w *wfCtx) Now() time.Time           { return time.Now() }

func (w *wfCtx) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	w.eng.mu.RLock()
	handler, ok := w.eng.activities[req.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("inmem: activity %q not registered", req.Name)
	}
	res, err := handler(ctx, req.Input)
	if err != nil {
		return err
	}
	assign(result, res)
	return nil
}

func (w *wfCtx) SignalChannel(name string) engine.SignalChannel {
	w.sigMu.Lock()
	defer w.sigMu.Unlock()
	ch, ok := w.sigs[name]
	if !ok {
		ch = &signalChan{ch: make(chan any, 1)}
		w.sigs[name] = ch
	}
	return ch
}

func (s *signalChan) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		assign(dest, v)
		return nil
	}
}

func (s *signalChan) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		assign(dest, v)
		return true
	default:
		return false
	}
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		assign(result, h.res)
		return h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	ch := h.wctx.SignalChannel(name).(*signalChan)
	select {
	case ch.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("inmem: workflow already completed")
	}
}

// Cancel does nothing and returns nil: the in-memory engine does not
// interrupt a running workflow.
func (h *handle) Cancel(context.Context) error {
	return nil
}

func assign(dst, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
