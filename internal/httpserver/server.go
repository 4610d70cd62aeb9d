// Package httpserver serves the relay's plain HTTP surface: health, ICE
// configuration and metrics. The relay WebSocket endpoint is mounted on Mux.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/turnrest"
)

const readinessTimeout = 2 * time.Second

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// ReadinessCheck reports whether something the relay depends on, such as
// the shared room store, is usable.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	log     *slog.Logger
	cfg     config.Relay
	build   BuildInfo
	metrics *metrics.Metrics
	turn    *turnrest.Issuer
	cors    *cors.Cors

	serving atomic.Bool

	checksMu sync.Mutex
	checks   map[string]ReadinessCheck

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Relay, logger *slog.Logger, build BuildInfo, m *metrics.Metrics) (*Server, error) {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		metrics: m,
		cors: cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowCredentials: true,
			ExposedHeaders:   []string{requestIDHeader},
			MaxAge:           600,
		}),
		checks: make(map[string]ReadinessCheck),
		mux:    http.NewServeMux(),
	}
	if cfg.TURNREST.Enabled() {
		issuer, err := turnrest.New(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL(),
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
		s.turn = issuer
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	s.mux.HandleFunc("GET /webrtc/ice", s.handleICE)
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.wrap(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		// The relay endpoint holds upgraded connections open indefinitely.
	}
	return s, nil
}

// AddReadinessCheck makes /readyz fail while check returns an error. It must
// be called before Serve.
func (s *Server) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checksMu.Lock()
	s.checks[name] = check
	s.checksMu.Unlock()
}

// CheckOrigin reports whether a request's Origin is acceptable. Requests
// without an Origin header are always allowed.
func (s *Server) CheckOrigin(r *http.Request) bool {
	if strings.TrimSpace(r.Header.Get("Origin")) == "" {
		return true
	}
	return s.cors.OriginAllowed(r)
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	s.log.Info("relay http listening", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.serving.Store(false)
	return s.srv.Close()
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.serving.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if failing := s.failingChecks(ctx); len(failing) > 0 {
		s.log.Warn("relay not ready", "failing", failing)
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failing": failing})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// failingChecks runs every readiness check and returns the errors keyed by
// check name.
func (s *Server) failingChecks(ctx context.Context) map[string]string {
	s.checksMu.Lock()
	checks := make(map[string]ReadinessCheck, len(s.checks))
	names := make([]string, 0, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
		names = append(names, name)
	}
	s.checksMu.Unlock()
	sort.Strings(names)

	var failing map[string]string
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			if failing == nil {
				failing = make(map[string]string)
			}
			failing[name] = err.Error()
		}
	}
	return failing
}

// handleICE returns the servers peers should use. With TURN REST enabled
// every TURN entry carries short-lived credentials minted for this request.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn != nil {
		decorated, err := s.turn.Decorate(servers, "")
		if err != nil {
			s.log.Error("issue turn credentials", "err", err, "request_id", r.Header.Get(requestIDHeader))
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
			return
		}
		servers = decorated
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
