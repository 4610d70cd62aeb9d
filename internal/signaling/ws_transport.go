package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait            = 10 * time.Second
	defaultHandshakeWait   = 10 * time.Second
	defaultReconnectMin    = 250 * time.Millisecond
	defaultReconnectMax    = 5 * time.Second
	defaultMaxMessageBytes = 1 << 20
)

// Query parameters and headers that identify a connection to the relay.
const (
	QueryProjectID = "projectId"
	QueryAPIToken  = "apiToken"
	QueryRole      = "type"
	QueryUserID    = "userId"

	HeaderRole   = "X-Mesh-Type"
	HeaderUserID = "X-Mesh-User-Id"
)

type WSConfig struct {
	URL       string
	ProjectID string
	APIToken  string
	Role      string
	UserID    string

	Dialer *websocket.Dialer
	Logger *slog.Logger

	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	MaxMessageBytes  int64
}

// WSTransport is a Transport over a gorilla/websocket connection. After an
// unexpected disconnect it redials with exponential backoff until Close is
// called or the relay rejects the credentials.
type WSTransport struct {
	cfg      WSConfig
	log      *slog.Logger
	handlers Handlers

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string
	closed   bool
	done     chan struct{}
}

func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeWait
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
		if cfg.ReconnectMax < cfg.ReconnectMin {
			cfg.ReconnectMax = cfg.ReconnectMin
		}
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &WSTransport{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "signaling", "role", cfg.Role),
		done: make(chan struct{}),
	}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, ack, err := t.dial(ctx)
	if err != nil {
		return err
	}
	if !t.adopt(conn, ack) {
		return ErrClosed
	}
	return nil
}

func (t *WSTransport) adopt(conn *websocket.Conn, ack json.RawMessage) bool {
	var a ConnectAck
	_ = json.Unmarshal(ack, &a)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return false
	}
	t.conn = conn
	t.socketID = a.SocketID
	t.mu.Unlock()

	t.handlers.Dispatch(EventConnect, ack)
	go t.readLoop(conn)
	return true
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, json.RawMessage, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set(QueryProjectID, t.cfg.ProjectID)
	q.Set(QueryAPIToken, t.cfg.APIToken)
	q.Set(QueryRole, t.cfg.Role)
	if t.cfg.UserID != "" {
		q.Set(QueryUserID, t.cfg.UserID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set(HeaderRole, t.cfg.Role)
	if t.cfg.UserID != "" {
		header.Set(HeaderUserID, t.cfg.UserID)
	}

	conn, resp, err := t.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil, fmt.Errorf("%w: %s", ErrAuthentication, resp.Status)
		}
		return nil, nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(t.cfg.MaxMessageBytes)

	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("read connect ack: %w", err)
	}
	f, err := ParseFrame(msg)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("parse connect ack: %w", err)
	}
	if f.Event != EventConnect {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("expected %s from relay, got %s", EventConnect, f.Event)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, f.Data, nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.lost(conn, err)
			return
		}
		f, err := ParseFrame(msg)
		if err != nil {
			t.log.Warn("dropping malformed relay frame", "err", err)
			continue
		}
		t.handlers.Dispatch(f.Event, f.Data)
	}
}

func (t *WSTransport) lost(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	closed := t.closed
	t.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	t.log.Warn("relay connection lost; reconnecting", "err", cause)
	t.reconnect()
}

func (t *WSTransport) reconnect() {
	backoff := t.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-t.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		conn, ack, err := t.dial(ctx)
		cancel()
		if err == nil {
			if t.adopt(conn, ack) {
				t.log.Info("relay connection restored", "attempts", attempt)
			}
			return
		}
		if errors.Is(err, ErrAuthentication) {
			t.log.Error("relay rejected credentials; giving up", "err", err)
			return
		}
		t.log.Debug("relay reconnect failed", "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > t.cfg.ReconnectMax {
			backoff = t.cfg.ReconnectMax
		}
	}
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SocketID is the id the relay assigned to the current connection.
func (t *WSTransport) SocketID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socketID
}

func (t *WSTransport) Emit(event string, payload any) error {
	b, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (t *WSTransport) On(event string, h Handler) func() {
	return t.handlers.On(event, h)
}

func (t *WSTransport) OnAny(fn func(string, json.RawMessage)) func() {
	return t.handlers.OnAny(fn)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait),
	)
	t.writeMu.Unlock()
	return conn.Close()
}
