// Package audit implements the append-only Audit/Replay Log: every event
// emitted on the Event Bus is recorded as (ts, logical_clock, topic,
// payload), exported as a Bundle, and can be replayed against a fresh VFS to
// deterministically reconstruct core state. See spec §4.12.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/vfs"
)

const (
	// DefaultProtocolVersion is stamped on exported bundles. Backward-
	// incompatible payload changes to any recorded topic require bumping
	// this (spec §4.5 "Event bus public topics").
	DefaultProtocolVersion = 1

	topicVFSWrite  = "vfs:write"
	topicVFSDelete = "vfs:delete"
)

type (
	// Event is one recorded bus emission.
	Event struct {
		Timestamp    time.Time
		LogicalClock uint64
		Topic        string
		Payload      json.RawMessage
	}

	// Bundle is the exported form of a Log: every recorded event plus the
	// protocol version it was recorded under.
	Bundle struct {
		ProtocolVersion int
		Events          []Event
	}

	// ClockSource supplies the logical clock value to stamp on each recorded
	// event. The composition root passes fs.Clock so recorded events carry
	// the same Lamport timestamp as the VFS writes they describe.
	ClockSource func() uint64

	// Log subscribes to every bus topic and records each emission in
	// arrival order. A Log is safe for concurrent use.
	Log struct {
		b     *bus.Bus
		clock ClockSource

		mu     sync.Mutex
		events []Event
		sub    bus.Subscription
	}
)

// New constructs a Log bound to b. It does not start recording until Start
// is called.
func New(b *bus.Bus, clock ClockSource) *Log {
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	return &Log{b: b, clock: clock}
}

// Start subscribes the Log to every topic on the bus. Calling Start twice
// without an intervening Stop leaks the first subscription.
func (l *Log) Start() {
	l.sub = l.b.OnAny(l.record)
}

// Stop unsubscribes the Log from the bus; already-recorded events are kept.
func (l *Log) Stop() {
	l.b.Off(l.sub)
}

func (l *Log) record(_ context.Context, topic string, payload bus.Payload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(fmt.Sprintf(`{"unmarshalable_payload_error":%q}`, err.Error()))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Timestamp:    time.Now(),
		LogicalClock: l.clock(),
		Topic:        topic,
		Payload:      raw,
	})
}

// Events returns a copy of every event recorded so far, in arrival order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// ExportRun returns the full recorded run as a Bundle (spec §4.12
// export_run).
func (l *Log) ExportRun() Bundle {
	return Bundle{ProtocolVersion: DefaultProtocolVersion, Events: l.Events()}
}

// ImportRun replaces the Log's recorded events with bundle's (spec §4.12
// import_run), discarding anything previously recorded.
func (l *Log) ImportRun(bundle Bundle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append([]Event(nil), bundle.Events...)
}

// ReplayVFS deterministically reconstructs fs's file contents from bundle's
// recorded vfs:write and vfs:delete events, applied in logical-clock order.
// Non-VFS topics (cycle:*, tool:*, llm:*, approval:*, swarm:*) are not
// re-driven: llm:* calls must be satisfied from the bundle's recorded
// completions by the caller rather than re-invoked (spec §4.12), and the
// other components' side effects are not idempotent to replay blindly onto
// a live bus. Callers needing the full event stream for inspection should
// use Bundle.Events directly.
func ReplayVFS(ctx context.Context, fs *vfs.Vfs, bundle Bundle) error {
	events := append([]Event(nil), bundle.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].LogicalClock < events[j].LogicalClock })

	for _, e := range events {
		switch e.Topic {
		case topicVFSWrite:
			var entry vfs.FileEntry
			if err := json.Unmarshal(e.Payload, &entry); err != nil {
				return fmt.Errorf("audit: replay %s at clock %d: %w", e.Topic, e.LogicalClock, err)
			}
			if err := fs.WriteRemote(ctx, entry); err != nil {
				return fmt.Errorf("audit: replay write %s: %w", entry.Path, err)
			}
		case topicVFSDelete:
			var path vfs.Path
			if err := json.Unmarshal(e.Payload, &path); err != nil {
				return fmt.Errorf("audit: replay %s at clock %d: %w", e.Topic, e.LogicalClock, err)
			}
			if err := fs.Delete(ctx, path); err != nil {
				return fmt.Errorf("audit: replay delete %s: %w", path, err)
			}
		}
	}
	return nil
}

// IsLLMTopic reports whether topic is one of the llm:* model-call topics
// that replay must satisfy from recorded completions rather than by
// re-invoking a live model client (spec §4.12).
func IsLLMTopic(topic string) bool {
	return strings.HasPrefix(topic, "llm:")
}
