package relayserver

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	sendQueueLen = 256
)

// conn is one peer's WebSocket. Frames are queued on send and written by
// writePump; readPump feeds inbound frames to the server router.
type conn struct {
	socketID string
	role     config.Role
	userID   string
	ws       *websocket.Conn
	log      *slog.Logger
	limiter  *ratelimit.ConnLimiter

	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	roomID string
}

func (c *conn) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *conn) setRoom(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// enqueue reports false when the connection is gone or its queue is full.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("relay send queue full, dropping frame")
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (s *Server) readPump(c *conn) {
	defer c.close()

	c.ws.SetReadLimit(s.cfg.MaxEventBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.drop(c, metrics.DropReasonTooLarge, "")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("relay read ended", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if !c.limiter.Allow(len(msg)) {
			s.drop(c, metrics.DropReasonRateLimited, "")
			continue
		}
		f, err := signaling.ParseFrame(msg)
		if err != nil {
			s.drop(c, metrics.DropReasonMalformed, "")
			continue
		}
		s.metrics.Inc(metrics.RelayEventsIn)
		s.route(c, f)
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("relay write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
