package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/zde37/ringkv/internal/metrics"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
)

type fakeView struct {
	state   *ring.AtomicState
	metrics *metrics.Metrics
	keys    []pkg.Entry
}

func newFakeView(s ring.State) *fakeView {
	return &fakeView{state: ring.NewState(s), metrics: metrics.New()}
}

func (f *fakeView) State() ring.State { return f.state.Get() }

func (f *fakeView) Status() ring.Snapshot {
	r := ring.Range{Start: 1, End: 10}
	return ring.Snapshot{
		ID:          10,
		State:       f.state.Get().String(),
		Address:     "127.0.0.1:7010",
		Range:       &r,
		Predecessor: ring.NewPeer("127.0.0.1", 7000),
		Successor:   ring.NewPeer("127.0.0.1", 7000),
		Keys:        len(f.keys),
	}
}

func (f *fakeView) Keys() []pkg.Entry { return f.keys }

func (f *fakeView) Metrics() *metrics.Metrics { return f.metrics }

func testLogger(t *testing.T) *pkg.Logger {
	t.Helper()
	lc := pkg.DefaultConfig()
	lc.Level = "error"
	logger, err := pkg.New(lc)
	require.NoError(t, err)
	return logger
}

func startAdmin(t *testing.T, view StateSource, token string) *AdminServer {
	t.Helper()
	admin, err := NewAdminServer(view, "127.0.0.1:0", token, testLogger(t))
	require.NoError(t, err)
	admin.interval = 10 * time.Millisecond
	require.NoError(t, admin.Start())
	t.Cleanup(func() { admin.Stop() })
	return admin
}

func healthClient(t *testing.T, addr string, opts ...grpc.DialOption) healthpb.HealthClient {
	t.Helper()
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNewServer(t *testing.T) {
	logger := testLogger(t)
	view := newFakeView(ring.Active)

	_, err := NewServer(nil, view, logger)
	assert.ErrorContains(t, err, "config cannot be nil")

	_, err = NewServer(&Config{}, nil, logger)
	assert.ErrorContains(t, err, "node cannot be nil")

	_, err = NewServer(&Config{}, view, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	_, err = NewAdminServer(nil, "127.0.0.1:0", "", logger)
	assert.ErrorContains(t, err, "node cannot be nil")
}

func TestServer_Routes(t *testing.T) {
	view := newFakeView(ring.Active)
	view.keys = []pkg.Entry{{Key: 3, Value: "three"}, {Key: 7, Value: "seven"}}
	view.metrics.KeysStored.Set(2)

	srv, err := NewServer(&Config{}, view, testLogger(t))
	require.NoError(t, err)
	handler, err := srv.Handler()
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	defer ts.Close()

	t.Run("ring", func(t *testing.T) {
		resp, body := get(t, ts.URL+"/api/ring")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

		var snap ring.Snapshot
		require.NoError(t, json.Unmarshal([]byte(body), &snap))
		assert.Equal(t, 10, snap.ID)
		assert.Equal(t, "ACTIVE", snap.State)
		require.NotNil(t, snap.Range)
		assert.Equal(t, ring.Range{Start: 1, End: 10}, *snap.Range)
	})

	t.Run("keys", func(t *testing.T) {
		resp, body := get(t, ts.URL+"/api/keys")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var keys KeysResponse
		require.NoError(t, json.Unmarshal([]byte(body), &keys))
		assert.Equal(t, 10, keys.NodeID)
		assert.Equal(t, 2, keys.Count)
		assert.Equal(t, view.keys, keys.Keys)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, body := get(t, ts.URL+"/metrics")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "ringkv_keys_stored 2")
	})

	t.Run("health follows state", func(t *testing.T) {
		resp, body := get(t, ts.URL+"/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "ACTIVE")

		view.state.Set(ring.Departing)
		defer view.state.Set(ring.Active)

		resp, body = get(t, ts.URL+"/health")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Contains(t, body, "DEPARTING")
	})

	t.Run("preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/ring", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	})

	t.Run("unknown route", func(t *testing.T) {
		resp, _ := get(t, ts.URL+"/api/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAdminServer_Health(t *testing.T) {
	view := newFakeView(ring.Joining)
	admin := startAdmin(t, view, "")
	client := healthClient(t, admin.Addr().String())

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))

	view.state.Set(ring.Active)
	require.Eventually(t, func() bool {
		return check("") == healthpb.HealthCheckResponse_SERVING &&
			check(ServiceName) == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	view.state.Set(ring.Terminated)
	require.Eventually(t, func() bool {
		return check(ServiceName) == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdminServer_Auth(t *testing.T) {
	view := newFakeView(ring.Active)
	admin := startAdmin(t, view, "secret")
	addr := admin.Addr().String()

	tests := []struct {
		name     string
		token    string
		wantCode codes.Code
	}{
		{name: "missing token", token: "", wantCode: codes.Unauthenticated},
		{name: "wrong token", token: "guess", wantCode: codes.Unauthenticated},
		{name: "valid token", token: "secret", wantCode: codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := healthClient(t, addr, grpc.WithUnaryInterceptor(TokenInterceptor(tt.token)))

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
			assert.Equal(t, tt.wantCode, status.Code(err))
		})
	}
}

func TestServer_Healthz(t *testing.T) {
	view := newFakeView(ring.Active)
	admin := startAdmin(t, view, "secret")

	srv, err := NewServer(&Config{GRPCAddr: admin.Addr().String(), AdminToken: "secret"}, view, testLogger(t))
	require.NoError(t, err)
	handler, err := srv.Handler()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })

	ts := httptest.NewServer(handler)
	defer ts.Close()

	require.Eventually(t, func() bool {
		resp, body := get(t, ts.URL+"/healthz")
		return resp.StatusCode == http.StatusOK && strings.Contains(body, "SERVING")
	}, 2*time.Second, 20*time.Millisecond)

	view.state.Set(ring.Departing)
	require.Eventually(t, func() bool {
		resp, _ := get(t, ts.URL+"/healthz")
		return resp.StatusCode != http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_StartStop(t *testing.T) {
	view := newFakeView(ring.Active)
	srv, err := NewServer(&Config{Host: "127.0.0.1", HTTPPort: 0}, view, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	resp, _ := get(t, "http://"+srv.Addr().String()+"/api/ring")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
	_, err = http.Get("http://" + srv.Addr().String() + "/api/ring")
	assert.Error(t, err)
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := NewWebSocketHub(testLogger(t))
	hub.Start()

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	event := map[string]any{"type": "node_join", "node_id": 5}
	require.NoError(t, hub.BroadcastRingUpdate(event))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "node_join", got["type"])
	assert.EqualValues(t, 5, got["node_id"])

	assert.Error(t, hub.BroadcastRingUpdate(func() {}))

	hub.Stop()
	hub.Stop()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketHub_StopRightAfterStart(t *testing.T) {
	logger := testLogger(t)
	ignore := goleak.IgnoreCurrent()

	for i := 0; i < 50; i++ {
		hub := NewWebSocketHub(logger)
		hub.Start()
		hub.Start()
		hub.Stop()
		assert.Error(t, hub.BroadcastRingUpdate(func() {}))
		require.NoError(t, hub.BroadcastRingUpdate("dropped"))
	}

	goleak.VerifyNone(t, ignore)
}
