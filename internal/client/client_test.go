package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling/signalingtest"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer/webrtcpeertest"
)

type harness struct {
	client    *Client
	transport *signalingtest.Transport
	factory   *webrtcpeertest.Factory
}

func newHarness(t *testing.T, userID string, opts ...session.Option) *harness {
	t.Helper()
	tr := signalingtest.New()
	tr.Respond(signaling.EventJoinRoom, func(data json.RawMessage) {
		var req signaling.JoinRoom
		_ = json.Unmarshal(data, &req)
		if req.RoomID != "room-1" {
			tr.Deliver(signaling.EventRoomNotFound, req.RoomID)
			return
		}
		tr.Deliver(signaling.EventRoomJoined, signaling.RoomJoined{RoomID: "room-1", SocketID: "sock-me", ConnectedClients: 1})
	})
	f := &webrtcpeertest.Factory{}
	base := []session.Option{
		session.WithTransport(tr),
		session.WithNegotiatorFactory(f),
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	c, err := New(config.Session{
		ProjectID:  "proj",
		APIToken:   "token",
		UserID:     userID,
		ICEServers: []webrtc.ICEServer{},
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &harness{client: c, transport: tr, factory: f}
}

func (hs *harness) joined(t *testing.T) {
	t.Helper()
	if _, err := hs.client.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := hs.client.ConnectToRoom(context.Background(), "room-1"); err != nil {
		t.Fatalf("ConnectToRoom: %v", err)
	}
}

func (hs *harness) offer(t *testing.T) *webrtcpeertest.Negotiator {
	t.Helper()
	hs.transport.Deliver(signaling.EventServerOffer, signaling.Offer{
		Offer:      signaling.SDP{Type: "offer", SDP: "v=0 offer"},
		Candidates: []signaling.Candidate{{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}},
	})
	neg := hs.factory.Last()
	if neg == nil {
		t.Fatal("no negotiator created for offer")
	}
	return neg
}

// open announces an open host channel on neg.
func (hs *harness) open(t *testing.T, neg *webrtcpeertest.Negotiator) *webrtcpeertest.DataChannel {
	t.Helper()
	dc := webrtcpeertest.NewDataChannel("host-lobby")
	neg.AnnounceDataChannel(dc)
	dc.Open()
	return dc
}

func TestNew_UserID(t *testing.T) {
	c := newHarness(t, "").client
	if !strings.HasPrefix(c.UserID(), "user-") || len(c.UserID()) != len("user-")+8 {
		t.Fatalf("UserID=%q", c.UserID())
	}
	c = newHarness(t, "alice").client
	if !strings.HasPrefix(c.UserID(), "alice-") || len(c.UserID()) != len("alice-")+4 {
		t.Fatalf("UserID=%q", c.UserID())
	}
}

func TestConnectToRoom_BeforeInit(t *testing.T) {
	hs := newHarness(t, "alice")
	_, err := hs.client.ConnectToRoom(context.Background(), "room-1")
	if !errors.Is(err, session.ErrNotInitialized) || err.Error() != "Client not initialized" {
		t.Fatalf("err=%v, want Client not initialized", err)
	}
	if n := len(hs.transport.All()); n != 0 {
		t.Fatalf("emitted %d events before init", n)
	}
}

func TestConnectToRoom(t *testing.T) {
	hs := newHarness(t, "alice")
	if _, err := hs.client.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	joined, err := hs.client.ConnectToRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("ConnectToRoom: %v", err)
	}
	if joined.RoomID != "room-1" || joined.SocketID != "sock-me" || hs.client.SocketID() != "sock-me" {
		t.Fatalf("joined=%+v socket=%q", joined, hs.client.SocketID())
	}

	req := hs.transport.Emitted(signaling.EventJoinRoom)
	var jr signaling.JoinRoom
	if err := json.Unmarshal(req[0], &jr); err != nil {
		t.Fatalf("decode join_room: %v", err)
	}
	if jr.UserID != hs.client.UserID() {
		t.Fatalf("join_room userId=%q, want %q", jr.UserID, hs.client.UserID())
	}
}

func TestConnectToRoom_NotFound(t *testing.T) {
	hs := newHarness(t, "alice")
	if _, err := hs.client.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, err := hs.client.ConnectToRoom(context.Background(), "missing")
	if !errors.Is(err, session.ErrRoomNotFound) || err.Error() != "Room not found" {
		t.Fatalf("err=%v, want Room not found", err)
	}
	if _, err := hs.client.ConnectedClients(context.Background()); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("ConnectedClients err=%v, want ErrNotConnected", err)
	}
}

func TestConnectToRoom_ResolvesOnce(t *testing.T) {
	hs := newHarness(t, "alice")
	hs.transport.Respond(signaling.EventJoinRoom, func(json.RawMessage) {
		hs.transport.Deliver(signaling.EventRoomJoined, signaling.RoomJoined{RoomID: "room-1", SocketID: "sock-1"})
		hs.transport.Deliver(signaling.EventRoomNotFound, "room-1")
		hs.transport.Deliver(signaling.EventRoomJoined, signaling.RoomJoined{RoomID: "room-1", SocketID: "sock-2"})
	})
	if _, err := hs.client.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	joined, err := hs.client.ConnectToRoom(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("ConnectToRoom: %v", err)
	}
	if joined.SocketID != "sock-1" {
		t.Fatalf("socket=%q, want first reply", joined.SocketID)
	}
}

func TestConnectToRoom_Timeout(t *testing.T) {
	hs := newHarness(t, "alice", session.WithRequestTimeout(20*time.Millisecond))
	hs.transport.Respond(signaling.EventJoinRoom, nil)
	if _, err := hs.client.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := hs.client.ConnectToRoom(context.Background(), "room-1"); !errors.Is(err, session.ErrTimeout) {
		t.Fatalf("err=%v, want ErrTimeout", err)
	}
}

func TestConnectedClients(t *testing.T) {
	hs := newHarness(t, "alice")
	hs.transport.Respond(signaling.EventGetConnectedClients, func(json.RawMessage) {
		hs.transport.Deliver(signaling.EventConnectedClients, signaling.ConnectedClients{
			Meta:    signaling.HostMeta{RoomID: "room-1", Initialized: true, ConnectedToRoom: true},
			To:      "sock-me",
			Payload: signaling.NewRoster([]signaling.Member{{UserID: "alice-x", SocketID: "sock-me"}}),
		})
	})
	hs.joined(t)

	roster, err := hs.client.ConnectedClients(context.Background())
	if err != nil {
		t.Fatalf("ConnectedClients: %v", err)
	}
	if roster.Count != 1 || roster.Clients[0].SocketID != "sock-me" {
		t.Fatalf("roster=%+v", roster)
	}
}

func TestConnectedClients_AfterHostLeft(t *testing.T) {
	hs := newHarness(t, "alice", session.WithRequestTimeout(5*time.Second))
	hs.joined(t)
	dc := hs.open(t, hs.offer(t))

	_ = dc.Close()
	if _, inRoom := hs.client.core.Room(); inRoom {
		t.Fatal("still in room after host channel closed")
	}

	start := time.Now()
	_, err := hs.client.ConnectedClients(context.Background())
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ConnectedClients took %v", elapsed)
	}
	if n := len(hs.transport.Emitted(signaling.EventGetConnectedClients)); n != 0 {
		t.Fatalf("get_connected_clients emitted %d times", n)
	}
}

func TestServerOffer_AnswersOnce(t *testing.T) {
	hs := newHarness(t, "alice")
	hs.joined(t)

	neg := hs.offer(t)
	if rd := neg.RemoteDescription(); rd == nil || rd.SDP != "v=0 offer" {
		t.Fatalf("remote description=%+v", rd)
	}
	if n := len(neg.Added()); n != 1 {
		t.Fatalf("added candidates=%d, want 1", n)
	}

	neg.EmitCandidate()
	neg.CompleteGathering()
	neg.CompleteGathering()

	answers := hs.transport.Emitted(signaling.EventSendClientOfferResponse)
	if len(answers) != 1 {
		t.Fatalf("answers=%d, want 1", len(answers))
	}
	var ans signaling.Answer
	if err := json.Unmarshal(answers[0], &ans); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if ans.UserID != hs.client.UserID() || ans.RoomID != "room-1" || ans.Answer.Type != "answer" || len(ans.Candidates) != 1 {
		t.Fatalf("unexpected answer: %+v", ans)
	}

	// A second offer while negotiating is ignored.
	hs.offer(t)
	if n := len(hs.factory.Created()); n != 1 {
		t.Fatalf("negotiators=%d, want 1", n)
	}
}

func TestDataChannel_Lifecycle(t *testing.T) {
	hs := newHarness(t, "alice")
	hs.joined(t)

	var established []ConnectionEstablished
	var packets []Packet
	var disconnected []Disconnected
	bus := hs.client.Bus()
	events.Subscribe(bus, TopicServerConnectionEstablished, func(e ConnectionEstablished) { established = append(established, e) })
	events.Subscribe(bus, TopicPacket, func(p Packet) { packets = append(packets, p) })
	events.Subscribe(bus, TopicDisconnected, func(d Disconnected) { disconnected = append(disconnected, d) })

	if err := hs.client.Send("early"); err != nil {
		t.Fatalf("Send before open: %v", err)
	}

	neg := hs.offer(t)
	dc := hs.open(t, neg)
	dc.Open()

	if len(established) != 1 {
		t.Fatalf("established=%d, want 1", len(established))
	}
	if m := established[0].Meta; m.RoomID != "room-1" || m.SocketID != "sock-me" || m.UserID != hs.client.UserID() {
		t.Fatalf("meta=%+v", m)
	}

	if err := hs.client.Send(map[string]int{"x": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := dc.Sent(); len(got) != 1 || got[0] != `{"x":1}` {
		t.Fatalf("sent=%v", got)
	}

	dc.Receive(`[1,2,3]`)
	if len(packets) != 1 {
		t.Fatalf("packets=%d, want 1", len(packets))
	}
	if arr, ok := packets[0].Payload.([]any); !ok || len(arr) != 3 {
		t.Fatalf("payload=%#v", packets[0].Payload)
	}

	_ = dc.Close()
	if len(disconnected) != 1 {
		t.Fatalf("disconnected=%d, want 1", len(disconnected))
	}
	if !neg.Closed() {
		t.Fatal("negotiator not closed after disconnect")
	}

	// A fresh offer after a disconnect starts a new negotiation.
	hs.offer(t)
	if n := len(hs.factory.Created()); n != 2 {
		t.Fatalf("negotiators=%d, want 2", n)
	}
}

func TestDataChannel_RejectsNonHostLabel(t *testing.T) {
	hs := newHarness(t, "alice")
	hs.joined(t)

	var established int
	events.Subscribe(hs.client.Bus(), TopicServerConnectionEstablished, func(ConnectionEstablished) { established++ })

	neg := hs.offer(t)
	dc := webrtcpeertest.NewDataChannel("client-lobby")
	neg.AnnounceDataChannel(dc)
	dc.Open()

	if established != 0 {
		t.Fatal("connection established on non-host channel")
	}
}

func TestRelayMessages(t *testing.T) {
	hs := newHarness(t, "alice")
	hs.joined(t)

	var fromServer, fromClient, all []signaling.Message
	bus := hs.client.Bus()
	events.Subscribe(bus, TopicRelayFromServer, func(m signaling.Message) { fromServer = append(fromServer, m) })
	events.Subscribe(bus, TopicRelayFromClient, func(m signaling.Message) { fromClient = append(fromClient, m) })
	events.Subscribe(bus, TopicRelay, func(m signaling.Message) { all = append(all, m) })

	hostEnv, _ := signaling.NewHostEnvelope(signaling.HostMeta{RoomID: "room-1"}, "", map[string]string{"a": "b"}, true)
	clientEnv, _ := signaling.NewClientEnvelope(signaling.ClientMeta{UserID: "bob"}, hs.client.UserID(), "hey", false)
	hs.transport.Deliver(signaling.EventMessage, hostEnv)
	hs.transport.Deliver(signaling.EventMessage, clientEnv)

	if len(fromServer) != 1 || len(fromClient) != 1 || len(all) != 2 {
		t.Fatalf("fromServer=%d fromClient=%d all=%d", len(fromServer), len(fromClient), len(all))
	}
	if p, ok := fromServer[0].Payload.(map[string]any); !ok || p["a"] != "b" {
		t.Fatalf("host payload=%#v", fromServer[0].Payload)
	}
	if fromClient[0].Client.UserID != "bob" || fromClient[0].Payload != "hey" {
		t.Fatalf("client message=%+v", fromClient[0])
	}
}

func TestUpdateClientList(t *testing.T) {
	hs := newHarness(t, "alice")
	hs.joined(t)

	var updates []ClientListUpdated
	events.Subscribe(hs.client.Bus(), TopicClientListUpdated, func(u ClientListUpdated) { updates = append(updates, u) })

	hs.transport.Deliver(signaling.EventUpdateClientList, signaling.ClientListUpdate{
		Meta:      signaling.HostMeta{RoomID: "room-1"},
		IsJoin:    true,
		NewClient: &signaling.Member{UserID: "bob", SocketID: "sock-b"},
		Clients: signaling.NewRoster([]signaling.Member{
			{UserID: "alice", SocketID: "sock-me"},
			{UserID: "bob", SocketID: "sock-b"},
		}),
	})

	if len(updates) != 1 || !updates[0].IsJoin || updates[0].NewClient.UserID != "bob" {
		t.Fatalf("updates=%+v", updates)
	}
	peers := hs.client.Peers()
	if peers.Count != 2 || len(peers.Clients) != 2 {
		t.Fatalf("peers=%+v", peers)
	}
}

func TestRelayAndRelayTo(t *testing.T) {
	hs := newHarness(t, "alice")
	if err := hs.client.Relay("x", false); !errors.Is(err, session.ErrNotInitialized) {
		t.Fatalf("Relay before init err=%v", err)
	}
	hs.joined(t)

	if err := hs.client.Relay(map[string]int{"n": 1}, true); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if err := hs.client.RelayTo("bob", "hi", false); err != nil {
		t.Fatalf("RelayTo: %v", err)
	}

	toHost := hs.transport.Emitted(signaling.EventClientSendMessage)
	if len(toHost) != 1 {
		t.Fatalf("client_send_message=%d", len(toHost))
	}
	var env signaling.Envelope
	if err := json.Unmarshal(toHost[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Kind != signaling.KindClient || env.To != signaling.ServerRecipient || env.Client.SocketID != "sock-me" {
		t.Fatalf("envelope=%+v", env)
	}
	if p, ok := env.Decode().Payload.(map[string]any); !ok || p["n"] != float64(1) {
		t.Fatalf("payload=%#v", env.Decode().Payload)
	}

	toPeer := hs.transport.Emitted(signaling.EventClientSendMessageTo)
	if len(toPeer) != 1 {
		t.Fatalf("client_send_message_to=%d", len(toPeer))
	}
	if err := json.Unmarshal(toPeer[0], &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.To != "bob" {
		t.Fatalf("to=%q, want bob", env.To)
	}
}
