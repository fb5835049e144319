package main

import (
	"context"
	"fmt"
	"os"

	"github.com/reploid-dev/reploid/audit"
	"github.com/reploid-dev/reploid/bundle"
	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/config"
	"github.com/reploid-dev/reploid/cycle"
	"github.com/reploid-dev/reploid/hitl"
	"github.com/reploid-dev/reploid/llm"
	"github.com/reploid-dev/reploid/snapshot"
	"github.com/reploid-dev/reploid/telemetry"
	"github.com/reploid-dev/reploid/tools"
	"github.com/reploid-dev/reploid/verify"
	"github.com/reploid-dev/reploid/vfs"
)

// app wires every REPLOID component together by handle, matching the
// teacher's composition-root pattern (no ambient globals, no DI container).
type app struct {
	cfg       config.Config
	bus       *bus.Bus
	fs        *vfs.Vfs
	snapshots *snapshot.Store
	auditLog  *audit.Log
	registry  *tools.Registry
	runner    *tools.Runner
	pipeline  *verify.Pipeline
	approvals *hitl.Controller
}

// newApp constructs every component fresh and loads any persisted bundle
// named by stateFile: its files are imported directly into the fresh VFS and
// its audit events are loaded into the audit log (they are not replayed). A
// missing state file boots a
// clean instance and takes the genesis snapshot.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadBootstrapFile(configFile)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	fs := vfs.New(vfs.Options{
		TotalQuotaBytes:  cfg.VFSTotalQuotaBytes,
		ReadCeilingBytes: cfg.VFSFileReadCeilingBytes,
		Bus:              b,
	})
	auditLog := audit.New(b, fs.Clock)
	auditLog.Start()

	snapshots := snapshot.New(fs)
	if archive, err := snapshot.OpenArchive(ctx, stateFile+".snapshots.db"); err == nil {
		snapshots = snapshots.WithArchive(archive)
	}

	a := &app{
		cfg:       cfg,
		bus:       b,
		fs:        fs,
		snapshots: snapshots,
		auditLog:  auditLog,
		registry:  tools.NewRegistry(),
	}

	if bdl, err := bundle.ReadFile(stateFile); err == nil {
		events, err := bundle.Import(fs, bdl, true)
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		auditLog.ImportRun(audit.Bundle{ProtocolVersion: audit.DefaultProtocolVersion, Events: events})
		cfg, err = config.LoadFromVFS(fs, cfg)
		if err != nil {
			return nil, fmt.Errorf("load persisted config: %w", err)
		}
		a.cfg = cfg
	}

	if _, err := a.snapshots.EnsureGenesis(ctx); err != nil {
		return nil, fmt.Errorf("ensure genesis: %w", err)
	}

	a.runner = tools.NewRunner(a.registry, fs, b, telemetry.NoopLogger{}, telemetry.NoopMetrics{}, telemetry.NoopTracer{},
		tools.RunnerOptions{
			ToolTimeout:        cfg.ToolTimeout(),
			OutputCeilingBytes: int(cfg.ToolOutputCeilingBytes),
			FetchRatePerSecond: cfg.FetchRatePerSecond,
		},
		tools.NewInterpreter(fs))

	a.pipeline = verify.New(fs, b, verify.Options{
		MaxFileBytes: cfg.ToolOutputCeilingBytes,
	})

	a.approvals = hitl.New(b, hitl.Mode(cfg.HITLMode), cfg.HITLN, 0)

	return a, nil
}

// save persists the full VFS and audit history to stateFile, along with the
// current cycle counters, so the next invocation can pick up where this one
// left off.
func (a *app) save(ctx context.Context, counters cycle.Counters, exportedAt string) error {
	if err := config.Persist(ctx, a.fs, a.cfg); err != nil {
		return err
	}
	if err := a.snapshots.Prune(ctx, a.cfg.SnapshotRetention); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	bdl := bundle.Export(a.fs, a.auditLog, counters, exportedAt)
	return bundle.WriteFile(stateFile, bdl)
}

// newLLMClient builds a model client from environment credentials. Anthropic
// is preferred when both are set, matching the teacher's adapter precedence
// in its own demo wiring.
func newLLMClient() (llm.Client, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		model := os.Getenv("REPLOID_MODEL")
		if model == "" {
			model = "claude-sonnet-4-5"
		}
		return llm.NewAnthropicClientFromAPIKey(key, model)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		model := os.Getenv("REPLOID_MODEL")
		if model == "" {
			model = "gpt-4o"
		}
		return llm.NewOpenAIClientFromAPIKey(key, model)
	}
	return nil, fmt.Errorf("run: set ANTHROPIC_API_KEY or OPENAI_API_KEY to select an LLM backend")
}
