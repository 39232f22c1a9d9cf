// ABOUTME: gRPC transport for runtimes: client stub and server registration
// ABOUTME: Uses a hand-written ServiceDesc carrying structpb.Struct messages

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName       = "sessiongate.runtime.v1.Runtime"
	streamQueryMethod = "/" + serviceName + "/StreamQuery"
)

var streamQueryDesc = grpc.StreamDesc{
	StreamName:    "StreamQuery",
	Handler:       streamQueryHandler,
	ServerStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Backend)(nil),
	Streams:     []grpc.StreamDesc{streamQueryDesc},
	Metadata:    "sessiongate/runtime/v1/runtime.proto",
}

// Client is a Backend that talks to a runtime over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	target string
	logger *slog.Logger
}

// Dial creates a client for target. Extra dial options are appended after the
// default insecure transport credentials, so callers can override them.
func Dial(target string, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dialing runtime %s: %w", target, err)
	}
	return &Client{
		conn:   conn,
		target: target,
		logger: logger.With("component", "runtime", "target", target),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// StreamQuery sends req and returns the response stream. Connection failures
// usually surface on the first Recv.
func (c *Client) StreamQuery(ctx context.Context, req *Request) (Stream, error) {
	msg, err := requestToStruct(req)
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(ctx, &streamQueryDesc, streamQueryMethod)
	if err != nil {
		cancel()
		return nil, classify("open stream", err)
	}
	if err := cs.SendMsg(msg); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, classify("send", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, classify("send", err)
	}

	c.logger.Debug("runtime stream opened", "agent_id", req.AgentID, "session_id", req.SessionID)
	return &clientStream{cs: cs, cancel: cancel}, nil
}

type clientStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *clientStream) Recv() (*Chunk, error) {
	var msg structpb.Struct
	if err := s.cs.RecvMsg(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, classify("recv", err)
	}
	chunk, err := chunkFromStruct(&msg)
	if err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}
	return chunk, nil
}

func (s *clientStream) Close() error {
	s.cancel()
	return nil
}

// classify wraps a gRPC error, marking the codes worth retrying as transient.
func classify(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Op: op, Err: err, Transient: true}
		}
		return &Error{Op: op, Err: err}
	}
	switch st.Code() {
	case codes.Canceled:
		return &Error{Op: op, Err: context.Canceled}
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return &Error{Op: op, Err: err, Transient: true}
	default:
		return &Error{Op: op, Err: err}
	}
}

// RegisterServer exposes b as the runtime service on s.
func RegisterServer(s grpc.ServiceRegistrar, b Backend) {
	s.RegisterService(&serviceDesc, b)
}

func streamQueryHandler(srv any, stream grpc.ServerStream) error {
	b := srv.(Backend)

	var in structpb.Struct
	if err := stream.RecvMsg(&in); err != nil {
		return err
	}
	req := requestFromStruct(&in)

	bs, err := b.StreamQuery(stream.Context(), req)
	if err != nil {
		return toStatus(err)
	}
	defer bs.Close()

	for {
		chunk, err := bs.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return toStatus(err)
		}
		msg, err := chunkToStruct(chunk)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
}

func toStatus(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if IsTransient(err) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
