// Package grpc exposes the event fan-out and command ingress as gRPC streams for bots and
// tooling. Frames are protobuf well-known wrapper messages carrying compressed envelope JSON.
package grpc

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"owg/server/internal/ingest"
	"owg/server/internal/protocol"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "owg.sim.v1.SimStream"
	// StreamEventsMethod is the full method name of the event stream.
	StreamEventsMethod = "/" + ServiceName + "/StreamEvents"
	// PublishCommandsMethod is the full method name of the command ingress stream.
	PublishCommandsMethod = "/" + ServiceName + "/PublishCommands"
	// EncodingHeader carries the frame codec in stream metadata.
	EncodingHeader = "x-owg-encoding"
)

const commandProcessTimeout = 40 * time.Millisecond

// Attacher serves one event subscriber with snapshot-first semantics.
type Attacher interface {
	Serve(ctx context.Context, conn ingest.Conn) error
}

// CommandSink decodes and applies one command envelope.
type CommandSink interface {
	HandleMessage(ctx context.Context, raw []byte) ([]protocol.Evt, error)
}

// Bridge aggregates the dependencies required by the gRPC service.
type Bridge interface {
	Attacher
	CommandSink
}

// StreamServer is the server API for the SimStream service.
type StreamServer interface {
	StreamEvents(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
	PublishCommands(grpc.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]) error
}

// ServiceDesc describes SimStream for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "PublishCommands",
			Handler:       publishCommandsHandler,
			ClientStreams: true,
		},
	},
	Metadata: "owg/sim/v1/stream.proto",
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(StreamServer).StreamEvents(m, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

func publishCommandsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(StreamServer).PublishCommands(&grpc.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream})
}

// Register attaches the service to server.
func Register(server grpc.ServiceRegistrar, service StreamServer) {
	server.RegisterService(&ServiceDesc, service)
}

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// WithDefaultEncoding selects the codec used when a client does not name one.
func WithDefaultEncoding(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.defaultEncoding = name
		}
	}
}

// Stats counts stream activity.
type Stats struct {
	EventStreams     int64
	CommandsAccepted uint64
	CommandsRejected uint64
}

// Service implements StreamServer on top of the ingestion bridge.
type Service struct {
	bridge          Bridge
	defaultEncoding string

	streams  atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewService wires the gRPC service to the bridge and optional settings.
func NewService(bridge Bridge, opts ...Option) *Service {
	service := &Service{bridge: bridge, defaultEncoding: EncodingGZIP}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// StreamEvents sends a snapshot, then every broadcast event, to one subscriber. The request
// names the frame codec.
func (s *Service) StreamEvents(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.bridge == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	name := req.GetValue()
	if name == "" {
		name = s.defaultEncoding
	}
	compressor, err := CompressorByName(name)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	//1.- Announce the codec before the first frame.
	if err := stream.SendHeader(metadata.Pairs(EncodingHeader, compressor.Name())); err != nil {
		return err
	}
	s.streams.Add(1)
	defer s.streams.Add(-1)

	ctx := stream.Context()
	conn := &eventConn{id: "grpc-" + uuid.NewString(), stream: stream, compressor: compressor}
	//2.- Reuse the ingestion attach path so gRPC subscribers see the same ordering as websockets.
	serveErr := s.bridge.Serve(ctx, conn)
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return status.Error(codes.Canceled, "stream cancelled")
		}
		return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
	}
	if conn.sendErr != nil {
		return conn.sendErr
	}
	if serveErr != nil {
		return status.Errorf(codes.Internal, "serve events: %v", serveErr)
	}
	//3.- The bridge only returns on its own when the subscriber fell too far behind.
	return status.Error(codes.ResourceExhausted, "event stream dropped")
}

// PublishCommands ingests compressed command envelopes and acknowledges with counters when
// the client closes its side.
func (s *Service) PublishCommands(stream grpc.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]) error {
	if s == nil || s.bridge == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	name := s.defaultEncoding
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(EncodingHeader); len(values) > 0 && values[0] != "" {
			name = values[0]
		}
	}
	compressor, err := CompressorByName(name)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	var accepted, rejected int
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			//1.- Return the aggregated acknowledgement once the client closes the stream.
			ack, err := structpb.NewStruct(map[string]interface{}{
				"accepted": accepted,
				"rejected": rejected,
				"encoding": compressor.Name(),
			})
			if err != nil {
				return status.Errorf(codes.Internal, "encode ack: %v", err)
			}
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		payload, err := compressor.Decompress(frame.GetValue())
		if err != nil {
			rejected++
			s.rejected.Add(1)
			continue
		}
		//2.- A command still waiting for the engine when the deadline passes is rejected unapplied.
		cmdCtx, cancel := context.WithTimeout(ctx, commandProcessTimeout)
		_, handleErr := s.bridge.HandleMessage(cmdCtx, payload)
		cancel()
		if handleErr != nil {
			rejected++
			s.rejected.Add(1)
			continue
		}
		accepted++
		s.accepted.Add(1)
	}
}

// Stats returns the stream counters.
func (s *Service) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		EventStreams:     s.streams.Load(),
		CommandsAccepted: s.accepted.Load(),
		CommandsRejected: s.rejected.Load(),
	}
}

// eventConn adapts a server stream to ingest.Conn. The stream is send only, so Receive
// parks until the session ends.
type eventConn struct {
	id         string
	stream     grpc.ServerStreamingServer[wrapperspb.BytesValue]
	compressor Compressor
	sendErr    error
}

func (c *eventConn) ID() string { return c.id }

func (c *eventConn) Send(_ context.Context, payload []byte) error {
	frame, err := c.compressor.Compress(payload)
	if err != nil {
		return err
	}
	if err := c.stream.Send(&wrapperspb.BytesValue{Value: frame}); err != nil {
		c.sendErr = err
		return err
	}
	return nil
}

func (c *eventConn) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var _ StreamServer = (*Service)(nil)
