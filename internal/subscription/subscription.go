// Package subscription keeps one live resource usage stream open against one
// storage node, reconnecting with backoff across transient failures.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"topsql-collector/internal/backoff"
	"topsql-collector/internal/codec"
	"topsql-collector/internal/model"
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultReadIdleTimeout = 3 * time.Minute
)

var (
	ErrConnectTimeout = errors.New("connect timed out")
	ErrReadIdle       = errors.New("no data within read idle timeout")
	ErrStreamClosed   = errors.New("stream closed by server")
)

type Options struct {
	ConnectTimeout     time.Duration
	ReadIdleTimeout    time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	BackoffJitter      float64
	DownsampleInterval uint32
	Logger             *slog.Logger

	// OnState observes every state transition, from the subscription goroutine.
	OnState func(model.SubscriptionState)
	// OnDecodeError observes skipped malformed messages.
	OnDecodeError func(error)
	// After overrides the backoff timer source.
	After func(time.Duration) <-chan time.Time
}

// Stats are cumulative counters for one subscription.
type Stats struct {
	ConnectAttempts uint64
	ConnectFailures uint64
	StreamFailures  uint64
	DecodeErrors    uint64
	Batches         uint64
	Records         uint64
	LastBackoff     time.Duration
}

type Subscription struct {
	node      model.NodeAddress
	transport Transport
	emit      func(model.UsageBatch)
	opts      Options
	backoff   *backoff.Backoff
	logger    *slog.Logger

	state           atomic.Int32
	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	streamFailures  atomic.Uint64
	decodeErrors    atomic.Uint64
	batches         atomic.Uint64
	records         atomic.Uint64
	lastBackoff     atomic.Int64
}

// New builds a subscription in the Idle state. emit receives every decoded
// batch in stream order; it is called from the subscription goroutine and
// should not block for long.
func New(node model.NodeAddress, transport Transport, emit func(model.UsageBatch), opts Options) *Subscription {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadIdleTimeout <= 0 {
		opts.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscription{
		node:      node,
		transport: transport,
		emit:      emit,
		opts:      opts,
		backoff:   backoff.New(opts.BackoffBase, opts.BackoffMax, opts.BackoffJitter),
		logger:    logger.With("node", node.String()),
	}
	s.state.Store(int32(model.StateIdle))
	return s
}

func (s *Subscription) Node() model.NodeAddress {
	return s.node
}

func (s *Subscription) State() model.SubscriptionState {
	return model.SubscriptionState(s.state.Load())
}

func (s *Subscription) Stats() Stats {
	return Stats{
		ConnectAttempts: s.connectAttempts.Load(),
		ConnectFailures: s.connectFailures.Load(),
		StreamFailures:  s.streamFailures.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
		Batches:         s.batches.Load(),
		Records:         s.records.Load(),
		LastBackoff:     time.Duration(s.lastBackoff.Load()),
	}
}

// Run drives Connecting -> Streaming -> Backoff until ctx is cancelled, then
// enters Stopped. It returns only after the transport stream is closed.
func (s *Subscription) Run(ctx context.Context) {
	defer s.setState(model.StateStopped)

	for ctx.Err() == nil {
		attempt, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := s.backoff.Next()
		s.lastBackoff.Store(int64(delay))
		s.setState(model.StateBackoff)
		s.logger.Warn("topsql subscription interrupted, retrying", "attempt", attempt, "error", err, "retry_in", delay)
		if !s.sleep(ctx, delay) {
			return
		}
	}
}

// runOnce makes one connect-and-consume attempt and returns its id with the
// error that ended it.
func (s *Subscription) runOnce(ctx context.Context) (string, error) {
	s.setState(model.StateConnecting)
	s.connectAttempts.Add(1)
	attempt := uuid.NewString()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.connect(attemptCtx, cancel)
	if err != nil {
		s.connectFailures.Add(1)
		return attempt, err
	}
	// Closing on cancellation unblocks Recv for transports that ignore ctx.
	stopClose := context.AfterFunc(attemptCtx, func() { _ = stream.Close() })
	defer func() {
		stopClose()
		_ = stream.Close()
	}()

	s.backoff.Reset()
	s.setState(model.StateStreaming)
	s.logger.Info("topsql subscription established", "attempt", attempt)

	err = s.consume(attemptCtx, cancel, stream)
	if ctx.Err() == nil {
		s.streamFailures.Add(1)
	}
	return attempt, err
}

func (s *Subscription) connect(ctx context.Context, cancel context.CancelFunc) (Stream, error) {
	var timedOut atomic.Bool
	timer := time.AfterFunc(s.opts.ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	stream, err := s.transport.Subscribe(ctx, s.node)
	stopped := timer.Stop()
	if err == nil && !stopped {
		// The timer won the race: the attempt context is already cancelled.
		_ = stream.Close()
		err = ErrConnectTimeout
	}
	if err != nil {
		if timedOut.Load() {
			err = ErrConnectTimeout
		}
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{Node: s.node, Op: "subscribe", Err: err}
		}
		return nil, err
	}
	return stream, nil
}

func (s *Subscription) consume(ctx context.Context, cancel context.CancelFunc, stream Stream) error {
	var idle atomic.Bool
	idleTimer := time.AfterFunc(s.opts.ReadIdleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer idleTimer.Stop()

	for {
		raw, err := stream.Recv()
		if err != nil {
			switch {
			case idle.Load():
				err = ErrReadIdle
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF):
				err = ErrStreamClosed
			}
			return &TransportError{Node: s.node, Op: "recv", Err: err}
		}
		idleTimer.Reset(s.opts.ReadIdleTimeout)

		batch, err := codec.Decode(raw)
		if err != nil {
			s.decodeErrors.Add(1)
			s.logger.Warn("skipping malformed topsql record", "error", err, "bytes", len(raw))
			if s.opts.OnDecodeError != nil {
				s.opts.OnDecodeError(err)
			}
			continue
		}
		batch = codec.Downsample(batch, s.opts.DownsampleInterval)
		s.batches.Add(1)
		s.records.Add(uint64(len(batch.Records)))
		if s.emit != nil {
			s.emit(batch)
		}
	}
}

func (s *Subscription) sleep(ctx context.Context, d time.Duration) bool {
	if s.opts.After != nil {
		select {
		case <-ctx.Done():
			return false
		case <-s.opts.After(d):
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Subscription) setState(st model.SubscriptionState) {
	prev := model.SubscriptionState(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logger.Debug("topsql subscription state", "from", prev.String(), "to", st.String())
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("attempts=%d connect_failures=%d stream_failures=%d decode_errors=%d batches=%d records=%d",
		s.ConnectAttempts, s.ConnectFailures, s.StreamFailures, s.DecodeErrors, s.Batches, s.Records)
}
