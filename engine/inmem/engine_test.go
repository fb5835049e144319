package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/engine"
	"github.com/reploid-dev/reploid/engine/inmem"
)

func TestExecuteActivityReturnsHandlerResult(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    "double",
		Handler: func(_ context.Context, input any) (any, error) { return input.(int) * 2, nil },
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wctx engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wctx.ExecuteActivity(wctx.Context(), engine.ActivityRequest{Name: "double", Input: input}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "doubler", Input: 21})
	require.NoError(t, err)

	var result int
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, 42, result)
}

func TestStartWorkflowUnknownNameFails(t *testing.T) {
	eng := inmem.New()
	_, err := eng.StartWorkflow(context.Background(), engine.WorkflowStartRequest{ID: "run-1", Workflow: "missing"})
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestSignalChannelDeliversToWaitingWorkflow(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()

	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waits_for_signal",
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			var decision string
			if err := wctx.SignalChannel(engine.SignalApprovalDecision).Receive(wctx.Context(), &decision); err != nil {
				return nil, err
			}
			return decision, nil
		},
	}))

	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "waits_for_signal"})
	require.NoError(t, err)

	require.NoError(t, handle.Signal(ctx, engine.SignalApprovalDecision, "approved"))

	var result string
	require.NoError(t, handle.Wait(ctx, &result))
	assert.Equal(t, "approved", result)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	eng := inmem.New()
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "never_returns",
		Handler: func(wctx engine.WorkflowContext, _ any) (any, error) {
			var discard string
			return nil, wctx.SignalChannel("unused").Receive(wctx.Context(), &discard)
		},
	}))
	handle, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "never_returns"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = handle.Wait(waitCtx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
