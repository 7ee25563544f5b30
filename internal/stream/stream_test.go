package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"topsql-collector/internal/codec"
	"topsql-collector/internal/config"
	"topsql-collector/internal/model"
)

var testNode = model.NodeAddress{ID: "store-1", Endpoint: "127.0.0.1:20180"}

// startServer runs a grpc server on an in-memory listener that answers every
// method with handler, decoding messages with c.
func startServer(t *testing.T, c encoding.Codec, handler grpc.StreamHandler) grpc.DialOption {
	t.Helper()
	lis := startListener(t, c, handler)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func startListener(t *testing.T, c encoding.Codec, handler grpc.StreamHandler) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(c), grpc.UnknownServiceHandler(handler))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func TestSubscribeClientStreamsRawRecords(t *testing.T) {
	want := model.UsageBatch{
		GroupTag: model.GroupTag("digest"),
		Records:  []model.UsageRecord{{TimestampSec: 100, CPUTimeMs: 5, ReadKeys: 1}},
	}
	methods := make(chan string, 1)
	dialer := startServer(t, rawCodec{}, func(_ any, ss grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(ss)
		methods <- method
		var req []byte
		if err := ss.RecvMsg(&req); err != nil {
			return err
		}
		if err := ss.SendMsg(codec.Encode(want)); err != nil {
			return err
		}
		return ss.SendMsg(codec.Encode(want))
	})

	client := NewSubscribeClient(config.DefaultSubscribeMethod, nil, nil, dialer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.Subscribe(ctx, testNode)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, config.DefaultSubscribeMethod, <-methods)
	for i := 0; i < 2; i++ {
		raw, err := s.Recv()
		require.NoError(t, err)
		got, err := codec.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscribeClientFailsFastWhenUnreachable(t *testing.T) {
	failing := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	client := NewSubscribeClient(config.DefaultSubscribeMethod, nil, nil, failing)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Subscribe(ctx, testNode)
	require.Error(t, err)
	assert.NoError(t, ctx.Err(), "transient failure must be reported before the deadline")
}

func TestGRPCForwarderSendsEnvelopes(t *testing.T) {
	type received struct {
		env   map[string]any
		token []string
	}
	got := make(chan received, 4)
	dialer := startServer(t, cborCodec{}, func(_ any, ss grpc.ServerStream) error {
		for {
			var env map[string]any
			if err := ss.RecvMsg(&env); err != nil {
				if errors.Is(err, io.EOF) {
					return ss.SendMsg(map[string]any{})
				}
				return err
			}
			md, _ := metadata.FromIncomingContext(ss.Context())
			got <- received{env: env, token: md.Get("authorization")}
		}
	})

	f, err := NewGRPCForwarder(GRPCForwarderOptions{
		Addr:        "127.0.0.1:3001",
		Method:      config.DefaultSinkMethod,
		Codec:       "cbor",
		Token:       "secret",
		Instance:    "collector-0",
		DialTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{dialer},
	})
	require.NoError(t, err)

	rec := model.UsageRecord{GroupTag: model.GroupTag{0xab, 0xcd}, TimestampSec: 100, CPUTimeMs: 5}
	require.NoError(t, f.Forward(context.Background(), testNode, rec))
	require.NoError(t, f.Forward(context.Background(), testNode, rec))

	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			assert.Equal(t, string(model.MetricTypeResourceUsage), r.env["type"])
			assert.Equal(t, "collector-0", r.env["instance"])
			payload, ok := r.env["payload"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "abcd", payload["group_tag"])
			assert.Equal(t, testNode.Endpoint, payload["node_endpoint"])
			assert.Equal(t, []string{"Bearer secret"}, r.token)
		case <-time.After(5 * time.Second):
			t.Fatal("frame not received")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.Close(ctx))
}

func TestGRPCForwarderFailsFastWhileDown(t *testing.T) {
	failing := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	f, err := NewGRPCForwarder(GRPCForwarderOptions{
		Addr:           "127.0.0.1:3001",
		Method:         config.DefaultSinkMethod,
		DialTimeout:    2 * time.Second,
		ReconnectDelay: time.Hour,
		DialOptions:    []grpc.DialOption{failing},
	})
	require.NoError(t, err)

	err = f.Forward(context.Background(), testNode, model.UsageRecord{TimestampSec: 1})
	require.ErrorIs(t, err, ErrSinkUnavailable)

	start := time.Now()
	err = f.Forward(context.Background(), testNode, model.UsageRecord{TimestampSec: 2})
	require.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestGRPCForwarderCallerCancelDoesNotMarkSinkDown(t *testing.T) {
	frames := make(chan map[string]any, 4)
	lis := startListener(t, jsonCodec{}, func(_ any, ss grpc.ServerStream) error {
		for {
			var env map[string]any
			if err := ss.RecvMsg(&env); err != nil {
				if errors.Is(err, io.EOF) {
					return ss.SendMsg(map[string]any{})
				}
				return err
			}
			frames <- env
		}
	})
	gate := make(chan struct{})
	slowDial := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return lis.DialContext(ctx)
	})

	f, err := NewGRPCForwarder(GRPCForwarderOptions{
		Addr:           "127.0.0.1:3001",
		Method:         config.DefaultSinkMethod,
		Codec:          "json",
		DialTimeout:    5 * time.Second,
		ReconnectDelay: time.Hour,
		DialOptions:    []grpc.DialOption{slowDial},
	})
	require.NoError(t, err)

	removedCtx, cancelRemoved := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelRemoved()
	err = f.Forward(removedCtx, testNode, model.UsageRecord{TimestampSec: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrSinkUnavailable)

	close(gate)
	other := model.NodeAddress{ID: "store-2", Endpoint: "127.0.0.1:20181"}
	require.NoError(t, f.Forward(context.Background(), other, model.UsageRecord{TimestampSec: 2}))
	select {
	case env := <-frames:
		payload, ok := env["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, other.Endpoint, payload["node_endpoint"])
	case <-time.After(5 * time.Second):
		t.Fatal("frame not received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, f.Close(ctx))
}

func TestNewGRPCForwarderValidates(t *testing.T) {
	_, err := NewGRPCForwarder(GRPCForwarderOptions{Method: "/x/y"})
	assert.Error(t, err)
	_, err = NewGRPCForwarder(GRPCForwarderOptions{Addr: "a:1", Method: "/x/y", Codec: "xml"})
	assert.Error(t, err)
}

func TestRawCodec(t *testing.T) {
	c := rawCodec{}
	b, err := c.Marshal([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b)

	src := []byte("xyz")
	var out []byte
	require.NoError(t, c.Unmarshal(src, &out))
	src[0] = 'q'
	assert.Equal(t, []byte("xyz"), out, "unmarshal must not alias the transport buffer")

	_, err = c.Marshal(42)
	assert.Error(t, err)
}

func TestEncodeEnvelopeCodecs(t *testing.T) {
	frame := NewUsageFrame("c0", testNode, model.UsageRecord{GroupTag: model.GroupTag{1}, TimestampSec: 7}, time.Unix(1700000000, 0))
	env := NewEnvelope(frame)

	b, err := EncodeEnvelope("json", env)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"group_tag":"01"`)

	b, err = EncodeEnvelope("cbor", env)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, cborCodec{}.Unmarshal(b, &decoded))
	assert.Equal(t, "c0", decoded["instance"])

	_, err = EncodeEnvelope("xml", env)
	assert.Error(t, err)
}

func TestLogSinkCountsRecords(t *testing.T) {
	s := NewLogSink("c0", nil)
	require.NoError(t, s.Forward(context.Background(), testNode, model.UsageRecord{TimestampSec: 1}))
	require.NoError(t, s.Forward(context.Background(), testNode, model.UsageRecord{TimestampSec: 2}))
	assert.Equal(t, uint64(2), s.Forwarded())
	assert.NoError(t, s.Close(context.Background()))
}

func TestNewSinkFromConfig(t *testing.T) {
	cfg := config.Config{SinkMode: config.SinkModeLog, InstanceID: "c0"}
	s, err := NewSinkFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, s)

	cfg = config.Config{SinkMode: config.SinkModeGRPC, SinkGRPCAddr: "a:1", SinkGRPCMethod: "/x/y", SinkCodec: "json"}
	s, err = NewSinkFromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &GRPCForwarder{}, s)

	_, err = NewSinkFromConfig(config.Config{SinkMode: "kafka"}, nil, nil)
	assert.Error(t, err)
}
