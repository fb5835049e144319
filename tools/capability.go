package tools

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/reploid-dev/reploid/vfs"
)

// Handle is the short-lived capability object a tool body receives for one
// invocation. It exposes only the operations the tool's declared
// capabilities grant, scoped to the declared prefix/host sets. A Handle
// cannot outlive the invocation that issued it: every method returns
// ErrHandleExpired once the invocation completes (spec §3 Ownership).
type Handle struct {
	def     Definition
	fs      *vfs.Vfs
	invoke  func(ctx context.Context, toolID string, args []byte) ([]byte, error)
	limiter *rate.Limiter
	valid   atomic.Bool
}

// ErrHandleExpired is returned by every Handle method after the owning
// invocation has returned.
var ErrHandleExpired = &ToolError{Stage: "capability", Message: "capability handle used after invocation returned"}

func newHandle(def Definition, fs *vfs.Vfs, invoke func(context.Context, string, []byte) ([]byte, error), limiter *rate.Limiter) *Handle {
	h := &Handle{def: def, fs: fs, invoke: invoke, limiter: limiter}
	h.valid.Store(true)
	return h
}

func (h *Handle) expire() { h.valid.Store(false) }

// ReadVFS reads path if the tool declared the read_vfs capability.
func (h *Handle) ReadVFS(path vfs.Path) ([]byte, error) {
	if !h.valid.Load() {
		return nil, ErrHandleExpired
	}
	if !h.def.HasCapability(ReadVFS) {
		return nil, &CapabilityDeniedError{Missing: ReadVFS, Detail: "tool did not declare read_vfs"}
	}
	return h.fs.Read(path)
}

// WriteVFS writes content to path if the tool declared write_vfs for a
// prefix that covers path.
func (h *Handle) WriteVFS(ctx context.Context, path vfs.Path, content []byte) error {
	if !h.valid.Load() {
		return ErrHandleExpired
	}
	for _, c := range h.def.Capabilities {
		if c.GrantsPrefix(path) {
			return h.fs.Write(ctx, path, content)
		}
	}
	return &CapabilityDeniedError{Missing: WriteVFS, Detail: "no write_vfs prefix covers " + string(path)}
}

// FetchAllowed reports whether the tool's network_fetch capability permits
// contacting host; callers perform the actual network operation themselves
// (REPLOID's core does not implement an HTTP client — see spec §1 non-goals,
// "network fetch" is a capability gate, not a transport).
func (h *Handle) FetchAllowed(host string) bool {
	if !h.valid.Load() || !h.def.HasCapability(NetworkFetch) {
		return false
	}
	for _, c := range h.def.Capabilities {
		if c.GrantsHost(host) {
			return true
		}
	}
	return false
}

// WaitFetch blocks until host's network_fetch is both authorized and a
// process-wide rate-limit token is available, or ctx is done. Tools that
// perform their own HTTP calls should call this immediately before doing so;
// the Runner enforces the budget (Runner.RunnerOptions.FetchRatePerSecond),
// the Handle only checks and waits on it.
func (h *Handle) WaitFetch(ctx context.Context, host string) error {
	if !h.valid.Load() {
		return ErrHandleExpired
	}
	if !h.FetchAllowed(host) {
		return &CapabilityDeniedError{Missing: NetworkFetch, Detail: "no network_fetch grant covers " + host}
	}
	if h.limiter == nil {
		return nil
	}
	return h.limiter.Wait(ctx)
}

// InvokeTool invokes another tool by id if the caller declared invoke_tool.
// The nested call receives a deadline derived from the parent's remaining
// budget (enforced by the Runner, not the Handle).
func (h *Handle) InvokeTool(ctx context.Context, toolID string, args []byte) ([]byte, error) {
	if !h.valid.Load() {
		return nil, ErrHandleExpired
	}
	if !h.def.HasCapability(InvokeTool) {
		return nil, &CapabilityDeniedError{Missing: InvokeTool, Detail: "tool did not declare invoke_tool"}
	}
	return h.invoke(ctx, toolID, args)
}
