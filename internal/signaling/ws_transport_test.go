package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// relayConn serializes writes; gorilla/websocket allows one writer at a time.
type relayConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (c *relayConn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.WriteMessage(websocket.TextMessage, b)
}

type fakeRelay struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*relayConn
	queries  []map[string]string
	received chan Frame
	reject   bool
}

func newFakeRelay(t *testing.T) (*fakeRelay, string) {
	t.Helper()
	r := &fakeRelay{t: t, received: make(chan Frame, 16)}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay"
}

func (r *fakeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	reject := r.reject
	r.mu.Unlock()
	if reject {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn := &relayConn{Conn: ws}
	q := req.URL.Query()
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.queries = append(r.queries, map[string]string{
		QueryProjectID: q.Get(QueryProjectID),
		QueryAPIToken:  q.Get(QueryAPIToken),
		QueryRole:      q.Get(QueryRole),
		QueryUserID:    q.Get(QueryUserID),
		HeaderRole:     req.Header.Get(HeaderRole),
	})
	id := len(r.conns)
	r.mu.Unlock()

	ack, _ := EncodeFrame(EventConnect, ConnectAck{SocketID: "sock-" + string(rune('0'+id))})
	_ = conn.write(ack)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := ParseFrame(msg)
		if err != nil {
			continue
		}
		r.received <- f
	}
}

func (r *fakeRelay) conn(i int) *relayConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[i]
}

func (r *fakeRelay) send(i int, event string, payload any) {
	r.t.Helper()
	b, err := EncodeFrame(event, payload)
	if err != nil {
		r.t.Fatalf("EncodeFrame: %v", err)
	}
	if err := r.conn(i).write(b); err != nil {
		r.t.Fatalf("write: %v", err)
	}
}

func newTestTransport(url string) *WSTransport {
	return NewWSTransport(WSConfig{
		URL:          url,
		ProjectID:    "proj",
		APIToken:     "token",
		Role:         "client",
		UserID:       "user-1",
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
}

func TestWSTransport_ConnectEmitAndDispatch(t *testing.T) {
	relay, url := newFakeRelay(t)
	tr := newTestTransport(url)
	t.Cleanup(func() { _ = tr.Close() })

	got := make(chan json.RawMessage, 1)
	tr.On(EventRoomCreated, func(data json.RawMessage) { got <- data })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !tr.Connected() {
		t.Fatal("Connected()=false after Connect")
	}
	if tr.SocketID() != "sock-1" {
		t.Fatalf("SocketID=%q, want sock-1", tr.SocketID())
	}

	relay.mu.Lock()
	q := relay.queries[0]
	relay.mu.Unlock()
	if q[QueryProjectID] != "proj" || q[QueryAPIToken] != "token" || q[QueryRole] != "client" || q[QueryUserID] != "user-1" || q[HeaderRole] != "client" {
		t.Fatalf("unexpected handshake identity: %v", q)
	}

	if err := tr.Emit(EventCreateRoom, nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case f := <-relay.received:
		if f.Event != EventCreateRoom {
			t.Fatalf("relay got %q, want %q", f.Event, EventCreateRoom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relay to receive frame")
	}

	relay.send(0, EventRoomCreated, "ROOM1")
	select {
	case data := <-got:
		if string(data) != `"ROOM1"` {
			t.Fatalf("data=%s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for room_created")
	}
}

func TestWSTransport_HandlersRunInArrivalOrder(t *testing.T) {
	relay, url := newFakeRelay(t)
	tr := newTestTransport(url)
	t.Cleanup(func() { _ = tr.Close() })

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	record := func(name string) Handler {
		return func(json.RawMessage) {
			mu.Lock()
			order = append(order, name)
			n := len(order)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		}
	}
	tr.On("a", record("a"))
	tr.On("b", record("b"))

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	relay.send(0, "a", nil)
	relay.send(0, "b", nil)
	relay.send(0, "a", nil)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "a,b,a" {
		t.Fatalf("order=%v", order)
	}
}

func TestWSTransport_RejectedCredentials(t *testing.T) {
	relay, url := newFakeRelay(t)
	relay.mu.Lock()
	relay.reject = true
	relay.mu.Unlock()
	tr := newTestTransport(url)

	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err=%v, want ErrAuthentication", err)
	}
	if tr.Connected() {
		t.Fatal("Connected()=true after rejected handshake")
	}
}

func TestWSTransport_ReconnectsAfterDrop(t *testing.T) {
	relay, url := newFakeRelay(t)
	tr := newTestTransport(url)
	t.Cleanup(func() { _ = tr.Close() })

	connects := make(chan json.RawMessage, 4)
	tr.On(EventConnect, func(data json.RawMessage) { connects <- data })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connects

	_ = relay.conn(0).Close()

	select {
	case data := <-connects:
		var ack ConnectAck
		_ = json.Unmarshal(data, &ack)
		if ack.SocketID != "sock-2" {
			t.Fatalf("reconnect ack=%+v, want sock-2", ack)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
	if tr.SocketID() != "sock-2" {
		t.Fatalf("SocketID=%q, want sock-2", tr.SocketID())
	}
}

func TestWSTransport_EmitStates(t *testing.T) {
	_, url := newFakeRelay(t)
	tr := newTestTransport(url)

	if err := tr.Emit(EventCreateRoom, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Emit(EventCreateRoom, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}
