// Package relayserver is a development signaling relay. It authenticates
// hosts and clients, tracks room membership and forwards negotiation and
// application events between the members of a room.
package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/turnrest"
)

const (
	storeTimeout = 5 * time.Second
	roomIDLength = 8
)

type Option func(*Server)

// WithClock replaces the clock used by per-connection rate limiters.
func WithClock(c ratelimit.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithCheckOrigin sets the WebSocket upgrader's origin check. By default
// every origin is accepted.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server implements GET /relay.
type Server struct {
	cfg      config.Relay
	log      *slog.Logger
	metrics  *metrics.Metrics
	auth     auth.Authenticator
	store    RoomStore
	turn     *turnrest.Issuer
	clock    ratelimit.Clock
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

func New(cfg config.Relay, store RoomStore, m *metrics.Metrics, logger *slog.Logger, opts ...Option) (*Server, error) {
	authenticator, err := auth.New(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = config.DefaultMaxEventBytes
	}
	if cfg.WSPingInterval <= 0 {
		cfg.WSPingInterval = config.DefaultWSPingInterval
	}
	if cfg.WSIdleTimeout <= 0 {
		cfg.WSIdleTimeout = config.DefaultWSIdleTimeout
	}

	var turn *turnrest.Issuer
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.New(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL(),
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:     cfg,
		log:     logger.With("component", "relay"),
		metrics: m,
		auth:    authenticator,
		store:   store,
		turn:    turn,
		clock:   ratelimit.RealClock{},
		conns:   make(map[string]*conn),
	}
	s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.metrics.Inc(metrics.RelayConnections)
	if err := s.authenticate(r); err != nil {
		s.metrics.Inc(metrics.RelayAuthRejected)
		s.log.Info("relay connection rejected", "err", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	role, userID := peerIdentity(r)
	socketID := uuid.NewString()
	c := &conn{
		socketID: socketID,
		role:     role,
		userID:   userID,
		ws:       ws,
		log:      s.log.With("socket_id", socketID, "role", role),
		limiter:  ratelimit.NewConnLimiter(s.clock, s.cfg.MaxEventsPerSecond, s.cfg.MaxBytesPerSecond),
		send:     make(chan []byte, sendQueueLen),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[socketID] = c
	s.mu.Unlock()

	c.log.Info("relay peer connected", "user_id", userID)
	s.deliver(c, signaling.EventConnect, signaling.ConnectAck{SocketID: socketID})

	go s.writePump(c)
	s.readPump(c)
	s.disconnect(c)
}

func (s *Server) authenticate(r *http.Request) error {
	if s.cfg.AuthMode == config.AuthModeNone {
		return nil
	}
	projectID, token, err := auth.CredentialsFromRequest(r)
	if err != nil {
		return err
	}
	return s.auth.Authenticate(projectID, token)
}

func peerIdentity(r *http.Request) (config.Role, string) {
	role := r.URL.Query().Get(signaling.QueryRole)
	if role == "" {
		role = r.Header.Get(signaling.HeaderRole)
	}
	userID := r.URL.Query().Get(signaling.QueryUserID)
	if userID == "" {
		userID = r.Header.Get(signaling.HeaderUserID)
	}
	switch strings.ToLower(strings.TrimSpace(role)) {
	case string(config.RoleHost), "server":
		return config.RoleHost, userID
	default:
		return config.RoleClient, userID
	}
}

// Close disconnects every peer. Rooms are removed as their hosts drop.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

// ConnectionCount reports the number of live WebSocket peers.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) disconnect(c *conn) {
	c.close()
	s.mu.Lock()
	delete(s.conns, c.socketID)
	s.mu.Unlock()
	c.log.Info("relay peer disconnected")

	roomID := c.room()
	if roomID == "" {
		return
	}
	ctx, cancel := s.storeContext()
	defer cancel()
	if c.role == config.RoleHost {
		room, err := s.store.Get(ctx, roomID)
		if err != nil || room.HostSocketID != c.socketID {
			return
		}
		if err := s.store.Delete(ctx, roomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
			c.log.Warn("delete room failed", "room_id", roomID, "err", err)
			return
		}
		s.metrics.Inc(metrics.RelayRoomsClosed)
		c.log.Info("room closed", "room_id", roomID)
		return
	}
	if err := s.store.RemoveMember(ctx, roomID, c.socketID); err != nil && !errors.Is(err, ErrRoomNotFound) {
		c.log.Warn("remove room member failed", "room_id", roomID, "err", err)
	}
}

// storeContext uses a background parent so room cleanup still runs while
// the server is shutting down.
func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (s *Server) lookup(socketID string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[socketID]
}

func (s *Server) deliver(c *conn, event string, payload any) bool {
	frame, err := signaling.EncodeFrame(event, payload)
	if err != nil {
		s.log.Error("encode relay frame", "event", event, "err", err)
		return false
	}
	if !c.enqueue(frame) {
		s.metrics.Inc(metrics.RelayUndeliverable)
		return false
	}
	s.metrics.Inc(metrics.RelayEventsOut)
	return true
}

func (s *Server) deliverTo(socketID, event string, payload any) bool {
	c := s.lookup(socketID)
	if c == nil {
		s.metrics.Inc(metrics.RelayUndeliverable)
		return false
	}
	return s.deliver(c, event, payload)
}

func (s *Server) drop(c *conn, reason, event string) {
	s.metrics.Inc(metrics.RelayEventsDropped)
	s.metrics.Inc(metrics.Dropped(reason))
	c.log.Debug("relay event dropped", "reason", reason, "event", event)
}

// withFrom sets the "from" field of a JSON object payload.
func withFrom(data json.RawMessage, from string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	obj["from"] = b
	return json.Marshal(obj)
}

func recipient(data json.RawMessage) string {
	var v struct {
		To string `json:"to"`
	}
	_ = json.Unmarshal(data, &v)
	return v.To
}
