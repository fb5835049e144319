// Package verify implements the Verification Pipeline: static screening,
// sandbox trial, and core-path gating applied to a proposed VFS change set
// before it is allowed to touch live state. See spec §4.5.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/vfs"
)

type (
	// ChangeSet is a proposed mutation: either new bytes for a path, or a
	// deletion marker when Delete is true.
	ChangeSet map[vfs.Path]ChangeEntry

	// ChangeEntry is one path's proposed mutation.
	ChangeEntry struct {
		Content []byte
		Delete  bool
	}

	// SmokeTest is a self-test run against the sandboxed clone after a change
	// set is applied, standing in for "load module, run designated
	// self-tests" (spec §4.5 stage 2).
	SmokeTest func(ctx context.Context, sandbox *vfs.Vfs) error

	// WriteCapability is the calling context's declared write_vfs prefix set,
	// checked during the static screen (spec §4.5 stage 1, "path-capability
	// match against the caller's declared write_vfs(prefix_set)").
	WriteCapability struct {
		PrefixSet []string
	}

	// Options configures static-screen limits and which paths are core.
	Options struct {
		MaxFileBytes   int64
		MaxFilesPerSet int
		DenyPatterns   []string
		CorePrefixes   []string
		SmokeTests     []SmokeTest
		SmokeTimeout   time.Duration
	}

	// Result is the outcome of Run.
	Result struct {
		Status   Status
		Stage    string
		Reason   string
		Gated    bool
		WallTime time.Duration
	}

	Status string

	// Pipeline runs the three verification stages against a live VFS.
	Pipeline struct {
		fs   *vfs.Vfs
		bus  *bus.Bus
		opts Options
	}
)

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

const (
	defaultMaxFileBytes   = 1 << 20
	defaultMaxFilesPerSet = 256
	defaultSmokeTimeout   = 10 * time.Second
)

var defaultDenyPatterns = []string{"eval(", "child_process", "/proc/self", "unsafe.Pointer"}

// New constructs a Pipeline over fs with defaults filled in.
func New(fs *vfs.Vfs, b *bus.Bus, opts Options) *Pipeline {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.MaxFilesPerSet <= 0 {
		opts.MaxFilesPerSet = defaultMaxFilesPerSet
	}
	if opts.SmokeTimeout <= 0 {
		opts.SmokeTimeout = defaultSmokeTimeout
	}
	if len(opts.DenyPatterns) == 0 {
		opts.DenyPatterns = defaultDenyPatterns
	}
	if len(opts.CorePrefixes) == 0 {
		opts.CorePrefixes = []string{"/core/", "/infrastructure/", "/tools/runner/"}
	}
	return &Pipeline{fs: fs, bus: b, opts: opts}
}

// Run executes the three stages against changes, proposed under the given
// write capability. On success the change set has already been applied to
// the live VFS in a single batch (spec §4.5: "all writes succeed together or
// none do"), unless the change set was gated — in which case the live VFS is
// untouched and Result.Gated is true; the caller (HITL/arena) must call Apply
// once a decision is reached.
func (p *Pipeline) Run(ctx context.Context, changes ChangeSet, caller WriteCapability) (Result, error) {
	start := time.Now()

	if _, reason, ok := p.staticScreen(changes, caller); !ok {
		result := Result{Status: StatusFail, Stage: "static", Reason: reason, WallTime: time.Since(start)}
		p.emitFail(ctx, result)
		return result, nil
	}

	sandbox := p.fs.Clone()
	if err := applyChangeSet(ctx, sandbox, changes); err != nil {
		result := Result{Status: StatusFail, Stage: "sandbox", Reason: err.Error(), WallTime: time.Since(start)}
		p.emitFail(ctx, result)
		return result, nil
	}
	if err := p.runSmoke(ctx, sandbox); err != nil {
		result := Result{Status: StatusFail, Stage: "sandbox", Reason: err.Error(), WallTime: time.Since(start)}
		p.emitFail(ctx, result)
		return result, nil
	}

	if p.touchesCore(changes) {
		result := Result{Status: StatusPass, Stage: "gate", Gated: true, WallTime: time.Since(start)}
		p.bus.Emit(ctx, "approval:required", ApprovalRequiredPayload{Paths: changePaths(changes)})
		return result, nil
	}

	before := p.fs.ExportAll()
	if err := applyChangeSet(ctx, p.fs, changes); err != nil {
		p.fs.ImportAll(before, true) // undo the writes that did land
		result := Result{Status: StatusFail, Stage: "apply", Reason: err.Error(), WallTime: time.Since(start)}
		p.emitFail(ctx, result)
		return result, nil
	}

	result := Result{Status: StatusPass, Stage: "apply", WallTime: time.Since(start)}
	p.bus.Emit(ctx, "verification:pass", result)
	return result, nil
}

// Apply commits a previously gated change set to the live VFS, once an
// approval or arena decision has authorized it.
func (p *Pipeline) Apply(ctx context.Context, changes ChangeSet) error {
	return applyChangeSet(ctx, p.fs, changes)
}

// Trial runs stages 1–2 (static screen, sandbox trial) against target
// without ever touching target or the live VFS, and without stage 3 core
// gating. This is what the Arena Harness uses to score a competitor's
// proposal against a shared sandbox snapshot (spec §4.6 step 3: "run
// verification (§4.5 stages 1–2, never stage 3)").
func (p *Pipeline) Trial(ctx context.Context, target *vfs.Vfs, changes ChangeSet, caller WriteCapability) Result {
	start := time.Now()
	if _, reason, ok := p.staticScreen(changes, caller); !ok {
		return Result{Status: StatusFail, Stage: "static", Reason: reason, WallTime: time.Since(start)}
	}
	sandbox := target.Clone()
	if err := applyChangeSet(ctx, sandbox, changes); err != nil {
		return Result{Status: StatusFail, Stage: "sandbox", Reason: err.Error(), WallTime: time.Since(start)}
	}
	if err := p.runSmoke(ctx, sandbox); err != nil {
		return Result{Status: StatusFail, Stage: "sandbox", Reason: err.Error(), WallTime: time.Since(start)}
	}
	return Result{Status: StatusPass, WallTime: time.Since(start)}
}

func (p *Pipeline) emitFail(ctx context.Context, r Result) {
	p.bus.Emit(ctx, "verification:fail", r)
}

func (p *Pipeline) staticScreen(changes ChangeSet, caller WriteCapability) (Result, string, bool) {
	if len(changes) > p.opts.MaxFilesPerSet {
		return Result{}, "change set exceeds max file count", false
	}
	for path, entry := range changes {
		if !path.Validate() {
			return Result{}, "invalid path: " + string(path), false
		}
		if path.IsSnapshotPath() || path.IsGenesisPath() {
			return Result{}, "change set targets reserved snapshot prefix: " + string(path), false
		}
		if entry.Delete {
			continue
		}
		if int64(len(entry.Content)) > p.opts.MaxFileBytes {
			return Result{}, "file exceeds max size: " + string(path), false
		}
		for _, pat := range p.opts.DenyPatterns {
			if containsBytes(entry.Content, pat) {
				return Result{}, "deny-listed pattern " + pat + " in " + string(path), false
			}
		}
		if !capabilityCovers(caller, path) {
			return Result{}, "path not covered by caller write_vfs prefix set: " + string(path), false
		}
	}
	return Result{}, "", true
}

func (p *Pipeline) runSmoke(ctx context.Context, sandbox *vfs.Vfs) error {
	for _, test := range p.opts.SmokeTests {
		smokeCtx, cancel := context.WithTimeout(ctx, p.opts.SmokeTimeout)
		err := test(smokeCtx, sandbox)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) touchesCore(changes ChangeSet) bool {
	for path := range changes {
		for _, prefix := range p.opts.CorePrefixes {
			if path.HasPrefix(prefix) {
				return true
			}
		}
	}
	return false
}

func applyChangeSet(ctx context.Context, fs *vfs.Vfs, changes ChangeSet) error {
	for path, entry := range changes {
		if entry.Delete {
			if err := fs.Delete(ctx, path); err != nil {
				return err
			}
			continue
		}
		if err := fs.Write(ctx, path, entry.Content); err != nil {
			return err
		}
	}
	return nil
}

func capabilityCovers(caller WriteCapability, path vfs.Path) bool {
	if len(caller.PrefixSet) == 0 {
		return true
	}
	for _, prefix := range caller.PrefixSet {
		if path.HasPrefix(prefix) {
			return true
		}
	}
	return false
}

func changePaths(changes ChangeSet) []vfs.Path {
	out := make([]vfs.Path, 0, len(changes))
	for p := range changes {
		out = append(out, p)
	}
	return out
}

func containsBytes(content []byte, pattern string) bool {
	return len(pattern) > 0 && strings.Contains(string(content), pattern)
}

// ApprovalRequiredPayload is emitted on "approval:required" when a change set
// is gated by stage 3.
type ApprovalRequiredPayload struct {
	Paths []vfs.Path
}
