// Package signalingtest provides an in-memory signaling.Transport for tests.
package signalingtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// Emitted is one event sent through the Transport.
type Emitted struct {
	Event string
	Data  json.RawMessage
}

// Transport records emitted events and lets tests deliver relay events
// synchronously. New installs a responder that answers get_turn_auth with an
// empty ICE server.
type Transport struct {
	handlers signaling.Handlers

	mu         sync.Mutex
	connectErr error
	connected  bool
	connects   int
	closed     bool
	emitted    []Emitted
	responders map[string]func(data json.RawMessage)
}

func New() *Transport {
	t := &Transport{responders: map[string]func(json.RawMessage){}}
	t.Respond(signaling.EventGetTurnAuth, func(json.RawMessage) {
		t.Deliver(signaling.EventTurnAuth, map[string]any{"urls": []string{}})
	})
	return t
}

// FailConnect makes subsequent Connect calls return err.
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	if t.closed {
		return signaling.ErrClosed
	}
	t.connected = true
	t.connects++
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connects reports how many times Connect succeeded.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Disconnect simulates losing the relay connection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *Transport) Emit(event string, payload any) error {
	frame, err := signaling.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	f, err := signaling.ParseFrame(frame)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return signaling.ErrNotConnected
	}
	t.emitted = append(t.emitted, Emitted{Event: event, Data: f.Data})
	responder := t.responders[event]
	t.mu.Unlock()

	if responder != nil {
		responder(f.Data)
	}
	return nil
}

func (t *Transport) On(event string, h signaling.Handler) func() {
	return t.handlers.On(event, h)
}

func (t *Transport) OnAny(fn func(string, json.RawMessage)) func() {
	return t.handlers.OnAny(fn)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Respond registers fn to run whenever event is emitted. A nil fn removes the
// responder.
func (t *Transport) Respond(event string, fn func(data json.RawMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.responders, event)
		return
	}
	t.responders[event] = fn
}

// Deliver dispatches event to registered handlers as if the relay sent it.
func (t *Transport) Deliver(event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("signalingtest: marshal payload: " + err.Error())
		}
		data = b
	}
	t.handlers.Dispatch(event, data)
}

// Emitted returns the data of every emitted event with the given name.
func (t *Transport) Emitted(event string) []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []json.RawMessage
	for _, e := range t.emitted {
		if e.Event == event {
			out = append(out, e.Data)
		}
	}
	return out
}

// All returns every emitted event in order.
func (t *Transport) All() []Emitted {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Emitted(nil), t.emitted...)
}

// HandlerCount reports the number of handlers attached to event.
func (t *Transport) HandlerCount(event string) int {
	return t.handlers.Count(event)
}
