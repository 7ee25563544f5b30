package subscription

import (
	"context"
	"errors"
	"io"
	"sync"

	"topsql-collector/internal/model"
)

var errRefused = errors.New("connection refused")

type fakeStream struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeStream) Recv() ([]byte, error) {
	select {
	case m, ok := <-f.msgs:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-f.closed:
		return nil, errors.New("use of closed stream")
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeTransport fails the first `failures` Subscribe calls, then hands out
// fresh streams. With hang set, Subscribe blocks until ctx is cancelled.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	hang     bool
	calls    int
	streams  chan *fakeStream
}

func newFakeTransport(failures int) *fakeTransport {
	return &fakeTransport{failures: failures, streams: make(chan *fakeStream, 16)}
}

func (t *fakeTransport) Subscribe(ctx context.Context, _ model.NodeAddress) (Stream, error) {
	t.mu.Lock()
	t.calls++
	call := t.calls
	hang := t.hang
	t.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if call <= t.failures {
		return nil, errRefused
	}
	s := newFakeStream()
	t.streams <- s
	return s, nil
}

func (t *fakeTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
