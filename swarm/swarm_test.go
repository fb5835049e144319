package swarm_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/swarm"
	"github.com/reploid-dev/reploid/vfs"
)

// fakeTransport is an in-process Transport: Broadcast/Send deliver directly
// to the peered fakeTransport's registered handler, so tests can exercise
// Protocol without any network.
type fakeTransport struct {
	mu      sync.Mutex
	peers   map[string]*fakeTransport
	onPeer  func(ctx context.Context, env swarm.Envelope)
	selfID  string
}

func newFakeTransport(selfID string) *fakeTransport {
	return &fakeTransport{peers: make(map[string]*fakeTransport), selfID: selfID}
}

func link(a, b *fakeTransport) {
	a.mu.Lock()
	a.peers[b.selfID] = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peers[a.selfID] = a
	b.mu.Unlock()
}

func (f *fakeTransport) Broadcast(ctx context.Context, env swarm.Envelope) error {
	f.mu.Lock()
	peers := make([]*fakeTransport, 0, len(f.peers))
	for _, p := range f.peers {
		peers = append(peers, p)
	}
	f.mu.Unlock()
	for _, p := range peers {
		p.receive(ctx, env)
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, peerID string, env swarm.Envelope) error {
	f.mu.Lock()
	p, ok := f.peers[peerID]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	p.receive(ctx, env)
	return nil
}

func (f *fakeTransport) OnPeer(handler func(ctx context.Context, env swarm.Envelope)) {
	f.mu.Lock()
	f.onPeer = handler
	f.mu.Unlock()
}

func (f *fakeTransport) receive(ctx context.Context, env swarm.Envelope) {
	f.mu.Lock()
	handler := f.onPeer
	f.mu.Unlock()
	if handler != nil {
		handler(ctx, env)
	}
}

func TestWinsIsDeterministicByClockThenPeerID(t *testing.T) {
	assert.True(t, swarm.Wins(5, "b", 3, "a"))
	assert.False(t, swarm.Wins(3, "b", 5, "a"))
	assert.True(t, swarm.Wins(5, "z", 5, "a"))
	assert.False(t, swarm.Wins(5, "a", 5, "z"))
}

func TestWinsPropertyCommutativeOutcome(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one side wins unless identical tags", prop.ForAll(
		func(c1, c2 uint64, p1, p2 string) bool {
			if c1 == c2 && p1 == p2 {
				return true
			}
			aWins := swarm.Wins(c1, p1, c2, p2)
			bWins := swarm.Wins(c2, p2, c1, p1)
			return aWins != bWins
		},
		gen.UInt64Range(0, 1000),
		gen.UInt64Range(0, 1000),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("higher clock always wins regardless of peer id", prop.ForAll(
		func(low, high uint64, p1, p2 string) bool {
			if low >= high {
				low, high = high, low+1
			}
			return swarm.Wins(high, p1, low, p2)
		},
		gen.UInt64Range(0, 500),
		gen.UInt64Range(0, 500),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestProtocolMergesRemoteWriteWhenClockHigher(t *testing.T) {
	fsA := vfs.New(vfs.Options{PeerID: "peerA"})
	require.NoError(t, fsA.Write(context.Background(), "/shared.txt", []byte("local")))

	incoming := vfs.FileEntry{
		Path:         "/shared.txt",
		Content:      []byte("remote"),
		LogicalClock: 99,
		OriginPeer:   "peerB",
	}

	transportA := newFakeTransport("peerA")
	transportB := newFakeTransport("peerB")
	link(transportA, transportB)

	protoA := swarm.New(fsA, transportA, swarm.Options{})
	protoA.Start(context.Background())

	env := swarm.Envelope{
		ProtocolVersion: swarm.DefaultProtocolVersion,
		Type:            swarm.TypeArtifactPush,
		PeerID:          "peerB",
		Lamport:         99,
		Payload:         marshalEntries(t, incoming),
	}
	require.NoError(t, transportB.Send(context.Background(), "peerA", env))

	content, err := fsA.Read("/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(content))
	assert.Equal(t, uint64(100), fsA.Clock())
}

func TestProtocolDiscardsStaleRemoteWrite(t *testing.T) {
	fsA := vfs.New(vfs.Options{PeerID: "peerA"})
	require.NoError(t, fsA.Write(context.Background(), "/shared.txt", []byte("local")))
	localClock := fsA.Clock()

	stale := vfs.FileEntry{
		Path:         "/shared.txt",
		Content:      []byte("stale"),
		LogicalClock: 1,
		OriginPeer:   "aaa",
	}

	transportA := newFakeTransport("peerA")
	transportB := newFakeTransport("peerB")
	link(transportA, transportB)

	protoA := swarm.New(fsA, transportA, swarm.Options{})
	protoA.Start(context.Background())

	env := swarm.Envelope{
		ProtocolVersion: swarm.DefaultProtocolVersion,
		Type:            swarm.TypeArtifactPush,
		PeerID:          "peerB",
		Lamport:         1,
		Payload:         marshalEntries(t, stale),
	}
	require.NoError(t, transportB.Send(context.Background(), "peerA", env))

	content, err := fsA.Read("/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "local", string(content))
	assert.GreaterOrEqual(t, fsA.Clock(), localClock)
}

func TestProtocolRejectsProtocolVersionMismatch(t *testing.T) {
	fsA := vfs.New(vfs.Options{PeerID: "peerA"})
	transportA := newFakeTransport("peerA")

	proto := swarm.New(fsA, transportA, swarm.Options{ProtocolVersion: 2})
	proto.Start(context.Background())

	transportA.receive(context.Background(), swarm.Envelope{
		ProtocolVersion: 1,
		Type:            swarm.TypePing,
		PeerID:          "peerB",
		Lamport:         10,
	})

	assert.Equal(t, uint64(1), proto.Rejected())
	assert.Equal(t, uint64(0), fsA.Clock())
}

func TestProtocolRejectsOversizePayload(t *testing.T) {
	fsA := vfs.New(vfs.Options{PeerID: "peerA"})
	transportA := newFakeTransport("peerA")

	proto := swarm.New(fsA, transportA, swarm.Options{PayloadCeilingBytes: 4})
	proto.Start(context.Background())

	transportA.receive(context.Background(), swarm.Envelope{
		ProtocolVersion: swarm.DefaultProtocolVersion,
		Type:            swarm.TypeArtifactPush,
		PeerID:          "peerB",
		Lamport:         1,
		Payload:         marshalEntries(t, vfs.FileEntry{Path: "/x", Content: []byte("way too big for the ceiling")}),
	})

	assert.Equal(t, uint64(1), proto.Rejected())
}

func TestProtocolBroadcastsLocalWriteOverBus(t *testing.T) {
	b := bus.New()
	fsA := vfs.New(vfs.Options{PeerID: "peerA", Bus: b})
	transportA := newFakeTransport("peerA")
	transportB := newFakeTransport("peerB")
	link(transportA, transportB)

	var received swarm.Envelope
	var mu sync.Mutex
	transportB.OnPeer(func(_ context.Context, env swarm.Envelope) {
		mu.Lock()
		received = env
		mu.Unlock()
	})

	proto := swarm.New(fsA, transportA, swarm.Options{Bus: b})
	proto.Start(context.Background())

	require.NoError(t, fsA.Write(context.Background(), "/gossiped.txt", []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received.PeerID == "peerA"
	}, time.Second, 5*time.Millisecond)
}

func marshalEntries(t *testing.T, entries ...vfs.FileEntry) []byte {
	t.Helper()
	type payload struct{ Entries []vfs.FileEntry }
	data, err := json.Marshal(payload{Entries: entries})
	require.NoError(t, err)
	return data
}
