package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"topsql-collector/internal/model"
	"topsql-collector/internal/subscription"
)

// SubscribeClient opens the resource usage server stream on storage nodes.
// Every Subscribe gets its own connection so one node's failure never
// affects another.
type SubscribeClient struct {
	method      string
	tlsConfig   *tls.Config
	dialOptions []grpc.DialOption
	logger      *slog.Logger
}

func NewSubscribeClient(method string, tlsCfg *tls.Config, logger *slog.Logger, extra ...grpc.DialOption) *SubscribeClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscribeClient{
		method:      method,
		tlsConfig:   tlsCfg,
		dialOptions: extra,
		logger:      logger,
	}
}

func (c *SubscribeClient) Subscribe(ctx context.Context, node model.NodeAddress) (subscription.Stream, error) {
	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}, c.dialOptions...)

	conn, err := grpc.NewClient("passthrough:///"+node.Endpoint, opts...)
	if err != nil {
		return nil, &subscription.TransportError{Node: node, Op: "dial", Err: err}
	}
	if err := waitReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, &subscription.TransportError{Node: node, Op: "dial", Err: err}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s, err := conn.NewStream(streamCtx, &grpc.StreamDesc{ServerStreams: true}, c.method)
	if err == nil {
		err = s.SendMsg([]byte(nil))
	}
	if err == nil {
		err = s.CloseSend()
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, &subscription.TransportError{Node: node, Op: "subscribe", Err: err}
	}
	c.logger.Debug("grpc subscription opened", "node", node.String(), "method", c.method)
	return &grpcStream{conn: conn, stream: s, cancel: cancel}, nil
}

type grpcStream struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcStream) Recv() ([]byte, error) {
	var msg []byte
	if err := s.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *grpcStream) Close() error {
	s.cancel()
	return s.conn.Close()
}

var errConnShutdown = errors.New("connection shut down")

// waitReady kicks the connection out of idle and blocks until it is ready.
// A transient failure is returned straight away so the caller's backoff
// governs retries rather than grpc's own.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errConnShutdown
		case connectivity.TransientFailure:
			return fmt.Errorf("connection in %s", state)
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}
