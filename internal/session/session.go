// Package session holds the machinery shared by hosts and clients: the relay
// transport, request/response correlation, the event bus and negotiator
// construction.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

// DefaultRequestTimeout bounds every relay round trip.
const DefaultRequestTimeout = 10 * time.Second

// Ready is the result of a successful Initialize.
type Ready struct {
	Status string `json:"status"`
}

const StatusConnected = "connected"

type options struct {
	transport signaling.Transport
	factory   webrtcpeer.Factory
	logger    *slog.Logger
	timeout   time.Duration
	metrics   *metrics.Metrics
	apiConfig webrtcpeer.APIConfig
}

type Option func(*options)

// WithTransport replaces the WebSocket relay transport.
func WithTransport(t signaling.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithNegotiatorFactory replaces the pion-backed negotiator factory.
func WithNegotiatorFactory(f webrtcpeer.Factory) Option {
	return func(o *options) { o.factory = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithAPIConfig tunes the default pion factory. It is ignored when a factory
// is supplied with WithNegotiatorFactory.
func WithAPIConfig(cfg webrtcpeer.APIConfig) Option {
	return func(o *options) { o.apiConfig = cfg }
}

// Core is the role-independent part of a session.
type Core struct {
	cfg     config.Session
	role    config.Role
	log     *slog.Logger
	factory webrtcpeer.Factory
	metrics *metrics.Metrics
	timeout time.Duration
	bus     events.Bus

	mu          sync.Mutex
	transport   signaling.Transport
	iceServers  []webrtc.ICEServer
	turnDone    bool
	initialized bool
	closed      bool
	roomID      string
	inRoom      bool
	handlers    map[string]func()
	anyOff      func()
}

// New validates cfg and applies role defaults. It fails when the
// configuration is incomplete or no negotiator factory can be built.
func New(cfg config.Session, role config.Role, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults(role)

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultRequestTimeout
	}
	if o.factory == nil {
		if o.apiConfig.Logger == nil {
			o.apiConfig.Logger = o.logger
		}
		f, err := webrtcpeer.NewPionFactory(o.apiConfig)
		if err != nil {
			return nil, err
		}
		o.factory = f
	}

	return &Core{
		cfg:        cfg,
		role:       role,
		log:        o.logger.With("component", "session", "role", string(role)),
		factory:    o.factory,
		metrics:    o.metrics,
		timeout:    o.timeout,
		transport:  o.transport,
		iceServers: cfg.ICEServers,
		handlers:   make(map[string]func()),
	}, nil
}

// Initialize connects to the relay and fetches TURN credentials. userID is
// sent to the relay as the connection's identity.
//
// A relay that never answers get_turn_auth does not fail initialization; the
// session continues with the configured ICE servers.
func (c *Core) Initialize(ctx context.Context, userID string) (Ready, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Ready{}, ErrClosed
	}
	if c.transport == nil {
		c.transport = signaling.NewWSTransport(signaling.WSConfig{
			URL:       c.cfg.SignalingURL,
			ProjectID: c.cfg.ProjectID,
			APIToken:  c.cfg.APIToken,
			Role:      string(c.role),
			UserID:    userID,
			Logger:    c.log,
		})
	}
	t := c.transport
	if c.cfg.ShowDebug && c.anyOff == nil {
		c.anyOff = t.OnAny(func(event string, data json.RawMessage) {
			c.log.Info("relay event", "event", event, "data", string(data))
		})
	}
	c.mu.Unlock()

	if !t.Connected() {
		if err := t.Connect(ctx); err != nil {
			if errors.Is(err, signaling.ErrAuthentication) {
				c.log.Error("relay rejected credentials", "project_id", c.cfg.ProjectID, "hint", AuthHint)
			} else {
				c.log.Error("relay connection failed", "url", c.cfg.SignalingURL, "err", err)
			}
			return Ready{}, fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}

	if err := c.fetchTurnAuth(ctx); err != nil {
		return Ready{}, err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.log.Debug("session initialized", "channel", c.cfg.ChannelName)
	return Ready{Status: StatusConnected}, nil
}

func (c *Core) fetchTurnAuth(ctx context.Context) error {
	c.mu.Lock()
	done := c.turnDone
	c.mu.Unlock()
	if done {
		return nil
	}

	_, data, err := c.Request(ctx, signaling.EventGetTurnAuth, nil, signaling.EventTurnAuth)
	switch {
	case errors.Is(err, ErrTimeout):
		c.log.Warn("no turn_auth from relay, continuing with configured ice servers")
	case err != nil:
		return fmt.Errorf("%w: %w", ErrConnection, err)
	default:
		server, ok, perr := config.ParseICEServer(data)
		if perr != nil {
			c.log.Warn("ignoring invalid turn_auth", "err", perr)
		} else if ok {
			c.mu.Lock()
			c.iceServers = append(c.iceServers, server)
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.turnDone = true
	c.mu.Unlock()
	return nil
}

// Request emits event and waits for the first of outcomes. It returns the
// name and data of the outcome that arrived. Outcomes arriving after the
// first are ignored. The wait is bounded by the request timeout.
func (c *Core) Request(ctx context.Context, event string, payload any, outcomes ...string) (string, json.RawMessage, error) {
	t := c.currentTransport()
	if t == nil {
		return "", nil, ErrNotInitialized
	}

	type result struct {
		event string
		data  json.RawMessage
	}
	ch := make(chan result, 1)
	var once sync.Once
	offs := make([]func(), 0, len(outcomes))
	for _, outcome := range outcomes {
		outcome := outcome
		offs = append(offs, t.On(outcome, func(data json.RawMessage) {
			once.Do(func() { ch <- result{event: outcome, data: data} })
		}))
	}
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	c.metrics.Inc(metrics.SessionRequests)
	if err := t.Emit(event, payload); err != nil {
		return "", nil, fmt.Errorf("emit %s: %w", event, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.event, r.data, nil
	case <-timer.C:
		c.metrics.Inc(metrics.SessionRequestTimeouts)
		c.log.Warn("relay request timed out", "event", event, "timeout", c.timeout)
		return "", nil, ErrTimeout
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Emit sends an event without waiting for a reply.
func (c *Core) Emit(event string, payload any) error {
	t := c.currentTransport()
	if t == nil {
		return ErrNotInitialized
	}
	return t.Emit(event, payload)
}

// Handle installs h as the session's handler for event, replacing any
// handler installed earlier through Handle.
func (c *Core) Handle(event string, h signaling.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return
	}
	if off, ok := c.handlers[event]; ok {
		off()
	}
	c.handlers[event] = c.transport.On(event, h)
}

func (c *Core) currentTransport() signaling.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.transport
}

// Initialized reports whether Initialize succeeded and the relay connection
// is still up.
func (c *Core) Initialized() bool {
	c.mu.Lock()
	initialized, t := c.initialized, c.transport
	c.mu.Unlock()
	return initialized && t != nil && t.Connected()
}

// NewNegotiator creates a negotiator using the session's ICE servers,
// including any learned from turn_auth.
func (c *Core) NewNegotiator() (webrtcpeer.Negotiator, error) {
	return c.factory.NewNegotiator(c.ICEServers())
}

func (c *Core) ICEServers() []webrtc.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICEServer(nil), c.iceServers...)
}

// Config returns the session configuration after defaults were applied.
func (c *Core) Config() config.Session {
	return c.cfg
}

func (c *Core) Role() config.Role { return c.role }
func (c *Core) Bus() *events.Bus { return &c.bus }
func (c *Core) Logger() *slog.Logger { return c.log }
func (c *Core) Metrics() *metrics.Metrics { return c.metrics }

// SetRoom records the room the session belongs to.
func (c *Core) SetRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.inRoom = roomID != ""
	c.mu.Unlock()
}

// Room returns the current room and whether the session is in one.
func (c *Core) Room() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.inRoom
}

// Close detaches every handler and closes the relay transport. It is safe to
// call more than once.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.initialized = false
	c.inRoom = false
	for event, off := range c.handlers {
		off()
		delete(c.handlers, event)
	}
	if c.anyOff != nil {
		c.anyOff()
		c.anyOff = nil
	}
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}
