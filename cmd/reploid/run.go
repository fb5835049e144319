package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reploid-dev/reploid/convo"
	"github.com/reploid-dev/reploid/cycle"
	"github.com/reploid-dev/reploid/hitl"
	"github.com/reploid-dev/reploid/llm"
	"github.com/reploid-dev/reploid/telemetry"
	"github.com/reploid-dev/reploid/verify"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run one agent cycle session to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd.Context(), args[0])
		},
	}
	return cmd
}

func doRun(ctx context.Context, goal string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	model, err := newLLMClient()
	if err != nil {
		return err
	}

	stopResolver := a.startApprovalResolver(ctx)
	defer stopResolver()

	var (
		lastBreaker    any
		lastVerifyFail any
		approvalDenied bool
	)
	a.bus.OnAny(func(_ context.Context, topic string, payload any) {
		switch {
		case topic == "cycle:breaker":
			lastBreaker = payload
		case topic == "verification:fail":
			lastVerifyFail = payload
		case topic == "tool:error":
			if msg := fmt.Sprint(payload); strings.Contains(msg, "tools: approval:") {
				approvalDenied = true
			}
		}
	})

	estimate := convo.TokenEstimator(func(content string) int { return len(content)/4 + 1 })
	window := convo.New(a.cfg.ContextBudget, estimate, nil, nil)

	toolDefs := make([]llm.ToolDefinition, 0, len(a.registry.List()))
	for _, id := range a.registry.List() {
		def, ok := a.registry.Resolve(id)
		if !ok {
			continue
		}
		toolDefs = append(toolDefs, llm.ToolDefinition{Name: def.ID, Description: def.Description, InputSchema: def.InputSchema})
	}

	engine := cycle.New(model, a.registry, a.runner, a.pipeline, a.approvals, a.snapshots, a.fs, a.bus,
		telemetry.NoopLogger{}, telemetry.NoopMetrics{}, telemetry.NoopTracer{},
		cycle.Options{
			Budgets: cycle.Budgets{
				MaxIterations:    a.cfg.MaxIterations,
				MaxSessionTokens: a.cfg.MaxSessionTokens,
			},
			ContextBudget: a.cfg.ContextBudget,
			CorePrefixes:  []string{"/core/", "/infrastructure/", "/tools/runner/"},
			Grant:         nil,
			Caller:        verify.WriteCapability{PrefixSet: []string{"/"}},
		})

	result := engine.Run(ctx, goal, window, toolDefs)

	if err := a.save(ctx, result.Counters, time.Now().UTC().Format(time.RFC3339)); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to persist state:", err)
	}

	fmt.Printf("final state: %s, cycles: %d, tokens: %d\n", result.FinalState, result.Counters.CycleCount, result.Counters.TokensUsedSession)

	switch {
	case approvalDenied:
		return cliError{code: exitApprovalRejected, err: fmt.Errorf("run: a core change was rejected or expired")}
	case lastBreaker != nil:
		return cliError{code: exitBreakerTripped, err: fmt.Errorf("run: budget breaker tripped: %v", lastBreaker)}
	case lastVerifyFail != nil:
		return cliError{code: exitVerificationFailed, err: fmt.Errorf("run: verification failed: %v", lastVerifyFail)}
	case result.Err != nil:
		return newCliError(exitOtherError, "run: %w", result.Err)
	}
	return nil
}

// startApprovalResolver bridges the in-process hitl.Controller to the
// outside world via approvalDir: every "approval:pending" request is
// written as <id>.request, and a concurrently running `reploid approve`
// invocation supplies the decision by writing <id>.decision. This lets a
// long-blocking `run` (hitl_mode HITL) be driven from another terminal
// without a daemon or RPC layer.
func (a *app) startApprovalResolver(ctx context.Context) func() {
	done := make(chan struct{})
	sub := a.bus.On("approval:pending", func(ctx context.Context, _ string, payload any) {
		req, ok := payload.(hitl.Request)
		if !ok {
			return
		}
		if err := os.MkdirAll(approvalDir, 0o755); err != nil {
			return
		}
		reqPath := filepath.Join(approvalDir, req.ID+".request")
		data, _ := json.Marshal(req)
		_ = os.WriteFile(reqPath, data, 0o644)
		fmt.Printf("approval required: id=%s kind=%s ref=%s (decide with: reploid approve %s yes|no)\n", req.ID, req.Kind, req.PayloadRef, req.ID)

		decisionPath := filepath.Join(approvalDir, req.ID+".decision")
		go a.pollDecision(ctx, req.ID, decisionPath, done)
	})
	return func() { a.bus.Off(sub); close(done) }
}

func (a *app) pollDecision(ctx context.Context, id, decisionPath string, done <-chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := os.ReadFile(decisionPath)
			if err != nil {
				continue
			}
			fields := strings.Fields(strings.TrimSpace(string(data)))
			if len(fields) == 0 {
				continue
			}
			decision := hitl.DecisionRejected
			if strings.EqualFold(fields[0], "yes") {
				decision = hitl.DecisionApproved
			}
			note := ""
			if len(fields) > 1 {
				note = strings.Join(fields[1:], " ")
			}
			_ = a.approvals.Decide(ctx, id, decision, note)
			_ = os.Remove(decisionPath)
			_ = os.Remove(filepath.Join(approvalDir, id+".request"))
			return
		}
	}
}
