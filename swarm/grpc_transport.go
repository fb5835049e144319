package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/reploid-dev/reploid/telemetry"
)

// jsonCodec marshals Envelope values as JSON instead of protobuf wire
// format. REPLOID's swarm envelope has no generated .proto/.pb.go pair (the
// pack's protoc toolchain isn't available to this build), so the transport
// is grounded on grpc's documented custom-codec extension point rather than
// hand-authoring generated protobuf bindings. See DESIGN.md.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const swarmServiceName = "reploid.swarm.Swarm"

var swarmServiceDesc = grpc.ServiceDesc{
	ServiceName: swarmServiceName,
	HandlerType: (*swarmServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       swarmSyncHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "reploid/swarm",
}

type swarmServer interface {
	Sync(syncServerStream) error
}

type syncServerStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ServerStream
}

type syncServerStreamImpl struct{ grpc.ServerStream }

func (x *syncServerStreamImpl) Send(m *Envelope) error { return x.ServerStream.SendMsg(m) }
func (x *syncServerStreamImpl) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func swarmSyncHandler(srv any, stream grpc.ServerStream) error {
	return srv.(swarmServer).Sync(&syncServerStreamImpl{stream})
}

type syncClientStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
	grpc.ClientStream
}

type syncClientStreamImpl struct{ grpc.ClientStream }

func (x *syncClientStreamImpl) Send(m *Envelope) error { return x.ClientStream.SendMsg(m) }
func (x *syncClientStreamImpl) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func openSyncStream(ctx context.Context, cc grpc.ClientConnInterface) (syncClientStream, error) {
	stream, err := cc.NewStream(ctx, &swarmServiceDesc.Streams[0], "/"+swarmServiceName+"/Sync", grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}
	return &syncClientStreamImpl{stream}, nil
}

type (
	// GRPCTransport is a grpc-based Transport implementation: every known
	// peer gets one persistent client-streaming connection, and this peer
	// also runs a server so other peers can dial in. Both directions of a
	// pair exchange Envelopes independently; a peer that has both dialed
	// out to, and been dialed by, another peer simply has two streams to it.
	GRPCTransport struct {
		selfID string
		logger telemetry.Logger

		server *grpc.Server

		mu     sync.Mutex
		conns  map[string]*grpc.ClientConn
		onPeer func(ctx context.Context, env Envelope)
	}
)

// NewGRPCTransport constructs a transport for peer selfID. It does not start
// serving or dialing; call Serve and Dial.
func NewGRPCTransport(selfID string, logger telemetry.Logger) *GRPCTransport {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &GRPCTransport{selfID: selfID, logger: logger, conns: make(map[string]*grpc.ClientConn)}
}

// Serve starts a grpc server on lis and blocks until ctx is done or the
// server stops serving. Run it in its own goroutine.
func (t *GRPCTransport) Serve(ctx context.Context, lis net.Listener) error {
	t.server = grpc.NewServer()
	t.server.RegisterService(&swarmServiceDesc, swarmServerImpl{t: t})
	go func() {
		<-ctx.Done()
		t.server.GracefulStop()
	}()
	return t.server.Serve(lis)
}

type swarmServerImpl struct {
	t *GRPCTransport
}

func (s swarmServerImpl) Sync(stream syncServerStream) error {
	for {
		env, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.t.deliver(stream.Context(), *env)
	}
}

// Dial opens a persistent outbound stream to peerID at addr and reads
// inbound envelopes from it until ctx is cancelled.
func (t *GRPCTransport) Dial(ctx context.Context, peerID, addr string) error {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("swarm: dial %s: %w", peerID, err)
	}
	t.mu.Lock()
	t.conns[peerID] = cc
	t.mu.Unlock()

	stream, err := openSyncStream(ctx, cc)
	if err != nil {
		return fmt.Errorf("swarm: open sync stream to %s: %w", peerID, err)
	}
	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				t.logger.Warn(ctx, "swarm stream closed", "peer", peerID, "error", err)
				return
			}
			t.deliver(ctx, *env)
		}
	}()
	return nil
}

// Broadcast implements Transport by sending env on every open connection.
func (t *GRPCTransport) Broadcast(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	peers := make([]string, 0, len(t.conns))
	for id := range t.conns {
		peers = append(peers, id)
	}
	t.mu.Unlock()

	var firstErr error
	for _, id := range peers {
		if err := t.Send(ctx, id, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Send implements Transport by opening a short-lived stream to peerID and
// writing env to it.
func (t *GRPCTransport) Send(ctx context.Context, peerID string, env Envelope) error {
	t.mu.Lock()
	cc, ok := t.conns[peerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("swarm: no connection to peer %s", peerID)
	}
	stream, err := openSyncStream(ctx, cc)
	if err != nil {
		return err
	}
	if err := stream.Send(&env); err != nil {
		return err
	}
	return stream.CloseSend()
}

// OnPeer implements Transport.
func (t *GRPCTransport) OnPeer(handler func(ctx context.Context, env Envelope)) {
	t.mu.Lock()
	t.onPeer = handler
	t.mu.Unlock()
}

func (t *GRPCTransport) deliver(ctx context.Context, env Envelope) {
	t.mu.Lock()
	handler := t.onPeer
	t.mu.Unlock()
	if handler != nil {
		handler(ctx, env)
	}
}

var _ Transport = (*GRPCTransport)(nil)
