package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"topsql-collector/internal/model"
)

var ErrSinkUnavailable = errors.New("downstream sink unavailable")

type GRPCForwarderOptions struct {
	Addr           string
	Method         string
	Codec          string
	Token          string
	Instance       string
	TLS            *tls.Config
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	DialOptions    []grpc.DialOption
	Logger         *slog.Logger
}

// GRPCForwarder ships records to the downstream pipeline over one
// client-streaming call. A failed send reopens the stream once; if that also
// fails the sink reports unavailable until ReconnectDelay has passed, so
// callers fail fast instead of queueing on a dead backend. A caller whose own
// context ends while the stream is opened gets its context error and leaves
// the sink usable for everyone else.
type GRPCForwarder struct {
	mu sync.Mutex

	opts      GRPCForwarderOptions
	codec     encoding.Codec
	logger    *slog.Logger
	conn      *grpc.ClientConn
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	downUntil time.Time
	now       func() time.Time
}

func NewGRPCForwarder(opts GRPCForwarderOptions) (*GRPCForwarder, error) {
	c, err := codecByName(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.Addr == "" {
		return nil, errors.New("grpc forwarder: address is required")
	}
	if opts.Method == "" {
		return nil, errors.New("grpc forwarder: method is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 8 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	encoding.RegisterCodec(c)
	return &GRPCForwarder{
		opts:   opts,
		codec:  c,
		logger: logger.With("component", "grpc_forwarder", "addr", opts.Addr),
		now:    time.Now,
	}, nil
}

func (f *GRPCForwarder) Forward(ctx context.Context, node model.NodeAddress, rec model.UsageRecord) error {
	env := NewEnvelope(NewUsageFrame(f.opts.Instance, node, rec, f.now()))

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.now().Before(f.downUntil) {
		return ErrSinkUnavailable
	}
	if f.stream == nil {
		if err := f.openLocked(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return f.markDownLocked(err)
		}
	}
	if err := f.stream.SendMsg(&env); err != nil {
		f.logger.Warn("grpc forward failed, reopening stream", "error", err)
		f.resetStreamLocked()
		if err2 := f.openLocked(ctx); err2 != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return f.markDownLocked(fmt.Errorf("reopen stream: %w", err2))
		}
		if err2 := f.stream.SendMsg(&env); err2 != nil {
			f.resetStreamLocked()
			return f.markDownLocked(fmt.Errorf("send frame: %w", err2))
		}
	}
	return nil
}

func (f *GRPCForwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stream != nil {
		_ = f.stream.CloseSend()
		done := make(chan struct{})
		go func(s grpc.ClientStream) {
			var ack struct{}
			_ = s.RecvMsg(&ack)
			close(done)
		}(f.stream)
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	f.resetStreamLocked()
	if f.conn != nil {
		err := f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

func (f *GRPCForwarder) markDownLocked(err error) error {
	f.downUntil = f.now().Add(f.opts.ReconnectDelay)
	f.logger.Warn("downstream sink unavailable", "error", err, "retry_after", f.opts.ReconnectDelay)
	return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
}

func (f *GRPCForwarder) ensureConnLocked() error {
	if f.conn != nil {
		return nil
	}
	var creds credentials.TransportCredentials
	if f.opts.TLS != nil {
		creds = credentials.NewTLS(f.opts.TLS)
	} else {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(f.codec)),
	}, f.opts.DialOptions...)

	conn, err := grpc.NewClient("passthrough:///"+f.opts.Addr, dialOpts...)
	if err != nil {
		return fmt.Errorf("grpc client %s: %w", f.opts.Addr, err)
	}
	f.conn = conn
	return nil
}

func (f *GRPCForwarder) openLocked(ctx context.Context) error {
	if err := f.ensureConnLocked(); err != nil {
		return err
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, f.opts.DialTimeout)
	defer cancelDial()
	if err := waitReady(dialCtx, f.conn); err != nil {
		return fmt.Errorf("connect %s: %w", f.opts.Addr, err)
	}

	// The stream outlives the Forward call that opened it.
	streamCtx, cancel := context.WithCancel(context.Background())
	if f.opts.Token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+f.opts.Token)
	}
	s, err := f.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, f.opts.Method)
	if err != nil {
		cancel()
		return fmt.Errorf("open stream: %w", err)
	}
	f.stream = s
	f.cancel = cancel
	f.logger.Info("grpc forward stream opened", "method", f.opts.Method, "codec", f.codec.Name())
	return nil
}

func (f *GRPCForwarder) resetStreamLocked() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.stream = nil
}
