package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"topsql-collector/internal/codec"
	"topsql-collector/internal/config"
	"topsql-collector/internal/fleet"
	"topsql-collector/internal/model"
	"topsql-collector/internal/subscription"
	"topsql-collector/internal/topology"
)

// staticDirectory lists fixed entries and never reports changes.
type staticDirectory struct {
	entries []topology.Entry
}

func (d staticDirectory) List(ctx context.Context, prefix string) ([]topology.Entry, int64, error) {
	return d.entries, 1, nil
}

func (d staticDirectory) Watch(ctx context.Context, prefix string, fromRevision int64) <-chan topology.WatchResponse {
	ch := make(chan topology.WatchResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type oneShotStream struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *oneShotStream) Recv() ([]byte, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *oneShotStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type batchTransport struct {
	batch []byte
}

func (t batchTransport) Subscribe(ctx context.Context, node model.NodeAddress) (subscription.Stream, error) {
	s := &oneShotStream{msgs: make(chan []byte, 1), closed: make(chan struct{})}
	s.msgs <- t.batch
	return s, nil
}

type memorySink struct {
	mu      sync.Mutex
	records []model.TaggedRecord
	closed  bool
}

func (s *memorySink) Forward(ctx context.Context, node model.NodeAddress, rec model.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, model.TaggedRecord{Node: node, Record: rec})
	return nil
}

func (s *memorySink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testConfig() config.Config {
	return config.Config{
		InstanceID:          "collector-test",
		DirectoryPrefix:     topology.DefaultPrefix,
		ConnectTimeout:      time.Second,
		ReadIdleTimeout:     time.Minute,
		BackoffBase:         10 * time.Millisecond,
		BackoffMax:          100 * time.Millisecond,
		DebounceWindow:      10 * time.Millisecond,
		BufferCapacity:      16,
		TeardownTimeout:     time.Second,
		MaxPendingTeardowns: 4,
		ShutdownTimeout:     2 * time.Second,
		ProbeListenAddr:     "127.0.0.1:0",
		LogLevel:            "debug",
	}
}

func TestAgentForwardsRecordsEndToEnd(t *testing.T) {
	dir := staticDirectory{entries: []topology.Entry{
		{Key: topology.DefaultPrefix + "store-1", Value: "10.0.0.1:20180", Revision: 1},
	}}
	transport := batchTransport{batch: codec.Encode(model.UsageBatch{
		GroupTag: model.GroupTag("x"),
		Records:  []model.UsageRecord{{TimestampSec: 100, CPUTimeMs: 5, ReadKeys: 1}},
	})}
	sink := &memorySink{}

	a, err := newAgent(testConfig(), slog.Default(), dir, transport, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	require.Eventually(t, func() bool {
		nodes := a.Nodes()
		return sink.count() == 1 && len(nodes) == 1 && nodes[0].Forwarded == 1
	}, 2*time.Second, 5*time.Millisecond)

	nodes := a.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "10.0.0.1:20180", nodes[0].Address.Endpoint)
	assert.Equal(t, "store-1", nodes[0].Address.ID)
	assert.Equal(t, uint64(1), nodes[0].Forwarded)

	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `topsql_collector_records_forwarded_total{node="10.0.0.1:20180"} 1`)
	assert.Contains(t, string(body), "topsql_collector_members 1")

	resp, err = http.Get(srv.URL + "/nodes")
	require.NoError(t, err)
	var statuses []fleet.NodeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	_ = resp.Body.Close()
	require.Len(t, statuses, 1)
	assert.Equal(t, model.StateStreaming, statuses[0].State)

	health := a.health.Snapshot()
	assert.Equal(t, true, health["sink_connected"])
	assert.Equal(t, int64(1), health["members"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
	a.shutdown(context.Background())
	assert.True(t, sink.closed)
}

func TestServeProbeReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveProbe(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, probeReply, line)

	cancel()
	require.NoError(t, <-done)
}

func TestBuildLoggerLevel(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "warn"
	logger := BuildLogger(cfg)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	cfg.LogLevel = "debug"
	cfg.LogJSON = true
	assert.True(t, BuildLogger(cfg).Enabled(context.Background(), slog.LevelDebug))
}

func TestHealthStatusSnapshot(t *testing.T) {
	h := NewHealthStatus()
	snap := h.Snapshot()
	assert.Equal(t, false, snap["sink_connected"])
	assert.NotContains(t, snap, "last_snapshot_at")

	at := time.Unix(1700000000, 0).UTC()
	h.MarkSnapshot(at, 3)
	h.MarkForward(at)
	h.SetSinkConnected(true)
	snap = h.Snapshot()
	assert.Equal(t, int64(3), snap["members"])
	assert.Equal(t, at, snap["last_snapshot_at"])
	assert.Equal(t, at, snap["last_forward_at"])
}
