// Package fleet keeps one subscription running per member of the storage
// topology and funnels their records into a single sink.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"topsql-collector/internal/model"
	"topsql-collector/internal/subscription"
)

const (
	DefaultBufferCapacity      = 4096
	DefaultTeardownTimeout     = 5 * time.Second
	DefaultMaxPendingTeardowns = 64
	DefaultShutdownTimeout     = 20 * time.Second
)

// Sink receives every decoded record with the node it came from. Forward is
// expected to return quickly; a returned error discards the record.
type Sink interface {
	Forward(ctx context.Context, node model.NodeAddress, rec model.UsageRecord) error
}

// Source produces full membership snapshots until ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- model.Membership) error
}

type Options struct {
	BufferCapacity      int
	TeardownTimeout     time.Duration
	MaxPendingTeardowns int64
	ShutdownTimeout     time.Duration
	Subscription        subscription.Options
	Metrics             *Metrics
	Logger              *slog.Logger
}

// NodeStatus is a point-in-time view of one managed node.
type NodeStatus struct {
	Address       model.NodeAddress       `json:"address"`
	State         model.SubscriptionState `json:"state"`
	Buffered      int                     `json:"buffered"`
	Dropped       uint64                  `json:"dropped"`
	Forwarded     uint64                  `json:"forwarded"`
	ForwardErrors uint64                  `json:"forward_errors"`
	DecodeErrors  uint64                  `json:"decode_errors"`
	Stats         subscription.Stats      `json:"stats"`
}

type nodeHandle struct {
	addr   model.NodeAddress
	sub    *subscription.Subscription
	outbox *Outbox
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connects      atomic.Uint64
	forwarded     atomic.Uint64
	forwardErrors atomic.Uint64
}

type Manager struct {
	source    Source
	transport subscription.Transport
	sink      Sink
	opts      Options
	metrics   *Metrics
	logger    *slog.Logger
	teardowns *semaphore.Weighted

	mu    sync.RWMutex
	nodes map[string]*nodeHandle
	// pending tracks teardown waiters so shutdown can wait for them too.
	pending sync.WaitGroup
}

func New(source Source, transport subscription.Transport, sink Sink, opts Options) *Manager {
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = DefaultBufferCapacity
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.MaxPendingTeardowns <= 0 {
		opts.MaxPendingTeardowns = DefaultMaxPendingTeardowns
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:    source,
		transport: transport,
		sink:      sink,
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "fleet"),
		teardowns: semaphore.NewWeighted(opts.MaxPendingTeardowns),
		nodes:     make(map[string]*nodeHandle),
	}
}

// Run reconciles every snapshot from the source until ctx is cancelled,
// then stops all nodes and waits up to ShutdownTimeout for them to exit.
func (m *Manager) Run(ctx context.Context) error {
	updates := make(chan model.Membership)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.source.Run(gctx, updates)
	})
	g.Go(func() error {
		m.coordinate(gctx, updates)
		return nil
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.opts.ShutdownTimeout)
	defer cancel()
	if serr := m.Shutdown(shutdownCtx); serr != nil {
		m.logger.Warn("fleet shutdown incomplete", "error", serr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) coordinate(ctx context.Context, updates <-chan model.Membership) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			m.Reconcile(ctx, snap)
		}
	}
}

// Reconcile starts subscriptions for new endpoints and stops those that are
// no longer present. Nodes in both sets are left untouched. New nodes run
// under ctx. Reconcile must not be called concurrently with itself.
func (m *Manager) Reconcile(ctx context.Context, want model.Membership) {
	var (
		added   []model.NodeAddress
		removed []*nodeHandle
	)

	m.mu.Lock()
	for key, h := range m.nodes {
		if !want.Has(key) {
			removed = append(removed, h)
			delete(m.nodes, key)
		}
	}
	if ctx.Err() == nil {
		for key, member := range want {
			if _, ok := m.nodes[key]; ok {
				continue
			}
			m.nodes[key] = m.start(ctx, member.Address)
			added = append(added, member.Address)
		}
	}
	total := len(m.nodes)
	m.mu.Unlock()

	for _, h := range removed {
		m.stop(h)
	}
	m.metrics.setMembers(total)
	if len(added) > 0 || len(removed) > 0 {
		m.logger.Info("fleet reconciled", "added", len(added), "removed", len(removed), "members", total)
	}
}

func (m *Manager) start(parent context.Context, addr model.NodeAddress) *nodeHandle {
	ctx, cancel := context.WithCancel(parent)
	h := &nodeHandle{
		addr:   addr,
		outbox: NewOutbox(m.opts.BufferCapacity),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	opts := m.opts.Subscription
	opts.Logger = m.logger
	onState, onDecodeError := opts.OnState, opts.OnDecodeError
	opts.OnState = func(st model.SubscriptionState) {
		if ctx.Err() == nil {
			m.metrics.setState(addr, st)
			if st == model.StateConnecting && h.connects.Add(1) > 1 {
				m.metrics.incReconnects(addr)
			}
		}
		if onState != nil {
			onState(st)
		}
	}
	opts.OnDecodeError = func(err error) {
		if ctx.Err() == nil {
			m.metrics.incDecodeErrors(addr)
		}
		if onDecodeError != nil {
			onDecodeError(err)
		}
	}
	h.sub = subscription.New(addr, m.transport, func(batch model.UsageBatch) {
		m.enqueue(h, batch)
	}, opts)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.sub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.pump(h)
	}()
	go func() {
		wg.Wait()
		close(h.done)
	}()

	m.logger.Info("node subscription started", "node", addr.String())
	return h
}

func (m *Manager) enqueue(h *nodeHandle, batch model.UsageBatch) {
	if h.ctx.Err() != nil {
		return
	}
	evicted := 0
	for _, rec := range batch.Records {
		evicted += h.outbox.Push(model.TaggedRecord{Node: h.addr, Record: rec})
	}
	if evicted > 0 {
		m.metrics.addDropped(h.addr, evicted)
		m.logger.Debug("node buffer full, dropped oldest records", "node", h.addr.String(), "dropped", evicted)
	}
}

// pump drains one node's outbox into the sink. A stalled sink only blocks
// this node's pump; the subscription keeps reading and the outbox evicts.
func (m *Manager) pump(h *nodeHandle) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.outbox.Notify():
		}
		for {
			if h.ctx.Err() != nil {
				return
			}
			rec, ok := h.outbox.Pop()
			if !ok {
				break
			}
			if err := m.sink.Forward(h.ctx, rec.Node, rec.Record); err != nil {
				if h.ctx.Err() != nil {
					return
				}
				if h.forwardErrors.Add(1) == 1 {
					m.logger.Warn("sink rejected record", "node", h.addr.String(), "error", err)
				}
				if h.ctx.Err() == nil {
					m.metrics.incForwardErrors(h.addr)
				}
				continue
			}
			h.forwarded.Add(1)
			if h.ctx.Err() == nil {
				m.metrics.incForwarded(h.addr)
			}
		}
	}
}

// stop cancels a removed node and waits for it in the background. The wait is
// bounded by TeardownTimeout, and at most MaxPendingTeardowns waits run at
// once; beyond that the teardown is abandoned.
func (m *Manager) stop(h *nodeHandle) {
	h.cancel()
	h.outbox.Discard()
	m.forgetIfReleased(h)
	m.logger.Info("node subscription stopped", "node", h.addr.String())

	if !m.teardowns.TryAcquire(1) {
		m.logger.Warn("too many pending teardowns, not waiting", "node", h.addr.String())
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer m.teardowns.Release(1)

		t := time.NewTimer(m.opts.TeardownTimeout)
		defer t.Stop()
		select {
		case <-h.done:
			m.forgetIfReleased(h)
		case <-t.C:
			m.logger.Warn("node teardown timed out, abandoning", "node", h.addr.String(), "timeout", m.opts.TeardownTimeout)
		}
	}()
}

// forgetIfReleased drops the metric series of a stopped node unless its
// endpoint has since been re-added, in which case the series belong to the
// new handle.
func (m *Manager) forgetIfReleased(h *nodeHandle) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cur, ok := m.nodes[h.addr.Endpoint]; ok && cur != h {
		return
	}
	m.metrics.forget(h.addr)
}

// Shutdown stops every node and waits for node goroutines and pending
// teardowns until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*nodeHandle, 0, len(m.nodes))
	for key, h := range m.nodes {
		handles = append(handles, h)
		delete(m.nodes, key)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
			h.outbox.Discard()
			m.metrics.forget(h.addr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.metrics.setMembers(0)

	waited := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Nodes reports the status of every managed node, sorted by endpoint.
func (m *Manager) Nodes() []NodeStatus {
	m.mu.RLock()
	out := make([]NodeStatus, 0, len(m.nodes))
	for _, h := range m.nodes {
		stats := h.sub.Stats()
		out = append(out, NodeStatus{
			Address:       h.addr,
			State:         h.sub.State(),
			Buffered:      h.outbox.Len(),
			Dropped:       h.outbox.Dropped(),
			Forwarded:     h.forwarded.Load(),
			ForwardErrors: h.forwardErrors.Load(),
			DecodeErrors:  stats.DecodeErrors,
			Stats:         stats,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Endpoint < out[j].Address.Endpoint
	})
	return out
}

// Endpoints returns the endpoints currently under management, sorted.
func (m *Manager) Endpoints() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.nodes))
	for key := range m.nodes {
		out = append(out, key)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
