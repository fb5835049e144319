// Package engine defines the pluggable durable-execution abstraction the
// Agent Cycle Engine runs behind: a Run is submitted as a workflow, tool
// invocations and LLM calls are scheduled as activities, and HITL
// pause/resume/cancel signals are delivered through SignalChannel. The
// default wiring never needs this package (package cycle runs entirely
// in-process); it exists for deployments that need a run to survive a
// process restart (spec §4.10 "optionally runs atop a durable workflow
// engine").
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrWorkflowNotFound is returned by StartWorkflow for an unregistered
// workflow name.
var ErrWorkflowNotFound = errors.New("engine: workflow not found")

type (
	// Engine registers workflow/activity handlers and starts runs against a
	// durable execution backend.
	Engine interface {
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		RegisterActivity(ctx context.Context, def ActivityDefinition) error
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name.
	WorkflowDefinition struct {
		Name    string
		Handler WorkflowFunc
	}

	// WorkflowFunc is a durable run entry point. It must be deterministic:
	// all side effects (tool calls, LLM calls, wall-clock reads) go through
	// WorkflowContext so a replaying engine reproduces the same sequence.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow.
	WorkflowContext interface {
		Context() context.Context
		RunID() string
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		SignalChannel(name string) SignalChannel
		Now() time.Time
	}

	// ActivityDefinition registers an activity handler. Activities may
	// perform side effects (tool execution, LLM calls); workflows may not.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
	}

	// ActivityFunc handles one activity invocation.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// WorkflowStartRequest describes how to launch a run.
	WorkflowStartRequest struct {
		ID       string
		Workflow string
		Input    any
	}

	// ActivityRequest schedules one activity call from a workflow.
	ActivityRequest struct {
		Name  string
		Input any
	}

	// WorkflowHandle lets callers await, signal, or cancel a running workflow.
	WorkflowHandle interface {
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// SignalChannel delivers external events (approval decisions, pause,
	// resume, cancel) into a running workflow in an engine-agnostic way.
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}
)

// Well-known signal names the Agent Cycle Engine's durable workflow listens
// on, matching the HITL Controller's decision shape (spec §4.7).
const (
	SignalApprovalDecision = "reploid.hitl.decision"
	SignalCancel           = "reploid.cycle.cancel"
)
