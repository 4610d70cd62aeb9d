package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrAuthentication = errors.New("signaling: authentication rejected")
	ErrNotConnected   = errors.New("signaling: not connected")
	ErrClosed         = errors.New("signaling: transport closed")
)

// Handler receives the raw data of one relay event.
type Handler func(data json.RawMessage)

// Transport is a connection to the relay.
//
// Handlers registered with On are invoked in registration order, one event at
// a time, in the order events arrive from the relay.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Emit(event string, payload any) error
	On(event string, h Handler) (off func())
	OnAny(fn func(event string, data json.RawMessage)) (off func())
	Close() error
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type anyEntry struct {
	id uint64
	fn func(string, json.RawMessage)
}

// Handlers is a registry of per-event handlers shared by Transport
// implementations. The zero value is ready to use.
type Handlers struct {
	mu      sync.Mutex
	nextID  uint64
	byEvent map[string][]handlerEntry
	any     []anyEntry
}

func (h *Handlers) On(event string, fn Handler) func() {
	h.mu.Lock()
	if h.byEvent == nil {
		h.byEvent = make(map[string][]handlerEntry)
	}
	h.nextID++
	id := h.nextID
	h.byEvent[event] = append(h.byEvent[event], handlerEntry{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.byEvent[event]
		for i, e := range list {
			if e.id == id {
				h.byEvent[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (h *Handlers) OnAny(fn func(string, json.RawMessage)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.any = append(h.any, anyEntry{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, e := range h.any {
			if e.id == id {
				h.any = append(h.any[:i:i], h.any[i+1:]...)
				return
			}
		}
	}
}

// Dispatch calls the catch-all handlers and then the handlers of event.
func (h *Handlers) Dispatch(event string, data json.RawMessage) {
	h.mu.Lock()
	anyList := append([]anyEntry(nil), h.any...)
	list := append([]handlerEntry(nil), h.byEvent[event]...)
	h.mu.Unlock()

	for _, e := range anyList {
		e.fn(event, data)
	}
	for _, e := range list {
		e.fn(data)
	}
}

// Count reports the number of handlers registered for event.
func (h *Handlers) Count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byEvent[event])
}
