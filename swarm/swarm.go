// Package swarm implements peer-to-peer VFS state merge: Lamport clocks,
// Last-Writer-Wins conflict resolution, and the transport-agnostic protocol
// that carries sync, artifact, and liveness messages between peers. See spec
// §4.11.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/telemetry"
	"github.com/reploid-dev/reploid/vfs"
)

type (
	// MessageType discriminates an Envelope's payload shape.
	MessageType string

	// Envelope is the wire-level unit exchanged between peers (spec §4.11).
	// Payload is opaque to the transport and interpreted per Type.
	Envelope struct {
		ProtocolVersion int
		Type            MessageType
		PeerID          string
		Lamport         uint64
		Payload         []byte
	}

	// syncPayload is the JSON body of a sync_request/sync_response/
	// artifact_push Envelope: a batch of file entries to merge.
	syncPayload struct {
		Entries []vfs.FileEntry
	}

	// Transport is the implementation-free contract a concrete transport
	// (e.g. the grpc one in this package) must satisfy. broadcast/send take
	// an already-encoded Envelope; OnPeer delivers inbound ones.
	Transport interface {
		Broadcast(ctx context.Context, env Envelope) error
		Send(ctx context.Context, peerID string, env Envelope) error
		OnPeer(handler func(ctx context.Context, env Envelope))
	}

	// Options configures a Protocol instance.
	Options struct {
		// ProtocolVersion is stamped on outgoing envelopes and checked on
		// incoming ones; mismatches are rejected.
		ProtocolVersion int
		// PayloadCeilingBytes bounds an Envelope's encoded Payload size.
		// Envelopes exceeding it are rejected (spec §4.11). Zero disables
		// the check.
		PayloadCeilingBytes int
		Bus                 *bus.Bus
		Logger              telemetry.Logger
		Metrics             telemetry.Metrics
	}

	// Protocol is the swarm sync engine for one peer: it merges inbound
	// entries into the local VFS by Lamport/LWW rule and gossips local
	// writes out over a Transport.
	Protocol struct {
		fs        *vfs.Vfs
		transport Transport
		opts      Options

		mu       sync.Mutex
		rejected uint64
	}
)

const (
	TypeSyncRequest  MessageType = "sync_request"
	TypeSyncResponse MessageType = "sync_response"
	TypeArtifactPush MessageType = "artifact_push"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"

	// DefaultProtocolVersion is used when Options.ProtocolVersion is zero.
	DefaultProtocolVersion = 1
)

// New constructs a Protocol bound to fs and transport. It does not start
// listening until Start is called.
func New(fs *vfs.Vfs, transport Transport, opts Options) *Protocol {
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Protocol{fs: fs, transport: transport, opts: opts}
}

// Start registers the Protocol's inbound handler with the transport and
// subscribes to local vfs:write events so they are gossiped to peers; local
// deletes are not sent to peers. It must be called at most once per Protocol.
func (p *Protocol) Start(ctx context.Context) {
	p.transport.OnPeer(p.handleEnvelope)
	if p.opts.Bus == nil {
		return
	}
	p.opts.Bus.On("vfs:write", func(ctx context.Context, _ string, payload bus.Payload) {
		entry, ok := payload.(vfs.FileEntry)
		if !ok || entry.OriginPeer != p.fs.PeerID() {
			return
		}
		if err := p.Broadcast(ctx, []vfs.FileEntry{entry}); err != nil {
			p.opts.Logger.Warn(ctx, "swarm broadcast failed", "path", string(entry.Path), "error", err)
		}
	})
}

// Broadcast gossips entries to every connected peer as an artifact_push
// envelope.
func (p *Protocol) Broadcast(ctx context.Context, entries []vfs.FileEntry) error {
	env, err := p.encode(TypeArtifactPush, entries)
	if err != nil {
		return err
	}
	return p.transport.Broadcast(ctx, env)
}

// RequestSync asks peerID for its current state of the given entries (a thin
// sync_request carrying the caller's last-known versions, letting the peer
// decide what, if anything, to send back via sync_response).
func (p *Protocol) RequestSync(ctx context.Context, peerID string, known []vfs.FileEntry) error {
	env, err := p.encode(TypeSyncRequest, known)
	if err != nil {
		return err
	}
	return p.transport.Send(ctx, peerID, env)
}

// Rejected returns the count of envelopes discarded for protocol mismatch,
// oversize payload, or malformed content (spec §4.11 "rejected" counter).
func (p *Protocol) Rejected() uint64 {
	return atomic.LoadUint64(&p.rejected)
}

func (p *Protocol) encode(t MessageType, entries []vfs.FileEntry) (Envelope, error) {
	body, err := json.Marshal(syncPayload{Entries: entries})
	if err != nil {
		return Envelope{}, fmt.Errorf("swarm: encode %s payload: %w", t, err)
	}
	return Envelope{
		ProtocolVersion: p.opts.ProtocolVersion,
		Type:            t,
		PeerID:          p.fs.PeerID(),
		Lamport:         p.fs.Clock(),
		Payload:         body,
	}, nil
}

func (p *Protocol) handleEnvelope(ctx context.Context, env Envelope) {
	if !p.accept(env) {
		atomic.AddUint64(&p.rejected, 1)
		p.opts.Metrics.IncCounter("swarm.rejected", 1, "peer", env.PeerID)
		return
	}

	p.fs.AdvanceClock(env.Lamport)

	switch env.Type {
	case TypePing:
		_ = p.transport.Send(ctx, env.PeerID, Envelope{
			ProtocolVersion: p.opts.ProtocolVersion,
			Type:            TypePong,
			PeerID:          p.fs.PeerID(),
			Lamport:         p.fs.Clock(),
		})
		return
	case TypePong:
		return
	case TypeSyncRequest:
		p.respondToSync(ctx, env)
		return
	case TypeSyncResponse, TypeArtifactPush:
		p.mergeIncoming(ctx, env)
		return
	}
}

func (p *Protocol) respondToSync(ctx context.Context, env Envelope) {
	var known syncPayload
	if err := json.Unmarshal(env.Payload, &known); err != nil {
		atomic.AddUint64(&p.rejected, 1)
		return
	}
	have := make(map[vfs.Path]uint64, len(known.Entries))
	for _, e := range known.Entries {
		have[e.Path] = e.LogicalClock
	}

	bundle := p.fs.ExportAll()
	var stale []vfs.FileEntry
	for _, e := range bundle.Files {
		if known, ok := have[e.Path]; !ok || e.LogicalClock > known {
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return
	}
	resp, err := p.encode(TypeSyncResponse, stale)
	if err != nil {
		return
	}
	_ = p.transport.Send(ctx, env.PeerID, resp)
}

func (p *Protocol) mergeIncoming(ctx context.Context, env Envelope) {
	var batch syncPayload
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		atomic.AddUint64(&p.rejected, 1)
		return
	}
	for _, incoming := range batch.Entries {
		p.mergeOne(ctx, incoming)
	}
}

func (p *Protocol) mergeOne(ctx context.Context, incoming vfs.FileEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	local, err := p.fs.Stat(incoming.Path)
	wins := err != nil || Wins(incoming.LogicalClock, incoming.OriginPeer, local.LogicalClock, local.OriginPeer)
	if !wins {
		return
	}
	if err := p.fs.WriteRemote(ctx, incoming); err != nil {
		p.opts.Logger.Warn(ctx, "swarm merge write failed", "path", string(incoming.Path), "error", err)
	}
}

func (p *Protocol) accept(env Envelope) bool {
	if env.ProtocolVersion != p.opts.ProtocolVersion {
		return false
	}
	if p.opts.PayloadCeilingBytes > 0 && len(env.Payload) > p.opts.PayloadCeilingBytes {
		return false
	}
	return true
}

// Wins reports whether an incoming entry tagged (incomingClock, incomingPeer)
// replaces a local entry tagged (localClock, localPeer) under the
// deterministic Last-Writer-Wins rule (spec §4.11): the incoming entry wins
// iff its clock is strictly greater, or clocks tie and its peer id is
// lexically greater.
func Wins(incomingClock uint64, incomingPeer string, localClock uint64, localPeer string) bool {
	if incomingClock != localClock {
		return incomingClock > localClock
	}
	return incomingPeer > localPeer
}

