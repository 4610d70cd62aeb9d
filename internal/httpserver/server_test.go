package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
)

func testConfig() config.Relay {
	return config.Relay{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		AuthMode:        config.AuthModeNone,
	}
}

func startTestServer(t *testing.T, cfg config.Relay, m *metrics.Metrics, mount func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv, err := New(cfg, log, build, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if mount != nil {
		mount(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil, nil)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatal("missing X-Request-ID")
		}
	})
}

func TestReadyz_FailingCheck(t *testing.T) {
	var storeUp atomic.Bool
	baseURL := startTestServer(t, testConfig(), nil, func(s *Server) {
		s.AddReadinessCheck("room_store", func(ctx context.Context) error {
			if !storeUp.Load() {
				return errors.New("redis: connection refused")
			}
			return nil
		})
	})

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		Ready   bool              `json:"ready"`
		Failing map[string]string `json:"failing"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || body.Ready {
		t.Fatalf("status=%d body=%+v, want 503 not ready", resp.StatusCode, body)
	}
	if body.Failing["room_store"] != "redis: connection refused" {
		t.Fatalf("failing=%v", body.Failing)
	}

	storeUp.Store(true)
	resp, err = http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d after recovery, want 200", resp.StatusCode)
	}
}

func TestRequestID(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil, nil)

	get := func(id string) string {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if id != "" {
			req.Header.Set("X-Request-ID", id)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp.Header.Get("X-Request-ID")
	}

	if got := get("trace-42.a_b"); got != "trace-42.a_b" {
		t.Fatalf("caller id replaced: %q", got)
	}
	for _, bad := range []string{"", "has space", strings.Repeat("x", 65)} {
		got := get(bad)
		if _, err := uuid.Parse(got); err != nil {
			t.Fatalf("id for %q = %q, want a fresh uuid", bad, got)
		}
	}
}

func getICE(t *testing.T, baseURL string) []map[string]any {
	t.Helper()
	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return payload.ICEServers
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	servers := getICE(t, startTestServer(t, cfg, nil, nil))
	if len(servers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(servers))
	}
	if _, ok := servers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", servers[0])
	}
}

func TestICEEndpoint_EmptyIsArray(t *testing.T) {
	servers := getICE(t, startTestServer(t, testConfig(), nil, nil))
	if servers == nil || len(servers) != 0 {
		t.Fatalf("iceServers=%#v, want []", servers)
	}
}

func TestICEEndpoint_TURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "mesh"}
	servers := getICE(t, startTestServer(t, cfg, nil, nil))
	if _, ok := servers[0]["username"]; ok {
		t.Fatalf("stun server got credentials: %#v", servers[0])
	}
	username, _ := servers[1]["username"].(string)
	if !strings.Contains(username, ":mesh:") || servers[1]["credential"] == nil {
		t.Fatalf("turn server=%#v", servers[1])
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, nil, nil)

	do := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do("https://evil.example.com"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp := do("https://app.example.com")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.RelayConnections)
	baseURL := startTestServer(t, testConfig(), m, nil)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "webrtc_mesh_relay_connections_total 1\n") {
		t.Fatalf("body=%s", body)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	var srv *Server
	baseURL := startTestServer(t, testConfig(), nil, func(s *Server) {
		srv = s
		upgrader := websocket.Upgrader{CheckOrigin: s.CheckOrigin}
		s.Mux().HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("hi"))
		})
	})
	if srv == nil {
		t.Fatal("mount not called")
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "hi" {
		t.Fatalf("msg=%q err=%v", msg, err)
	}
}
