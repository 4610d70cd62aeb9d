// Package host implements the room-owning side of a mesh session. A Host
// creates a room on the relay and negotiates one data channel with every
// client that joins it.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

// Host owns one room and a data channel to each client in it.
type Host struct {
	core *session.Core
	log  *slog.Logger

	mu          sync.Mutex
	peers       registry
	creating    bool
	roomCreated bool
	closed      bool
}

// New validates cfg and returns a Host. It does not contact the relay.
func New(cfg config.Session, opts ...session.Option) (*Host, error) {
	core, err := session.New(cfg, config.RoleHost, opts...)
	if err != nil {
		return nil, err
	}
	return &Host{
		core:  core,
		log:   core.Logger(),
		peers: newRegistry(),
	}, nil
}

// Init connects to the relay and installs the host's relay handlers.
// Calling it again reconnects if needed without duplicating handlers.
func (h *Host) Init(ctx context.Context) (session.Ready, error) {
	ready, err := h.core.Initialize(ctx, h.core.Config().UserID)
	if err != nil {
		return session.Ready{}, err
	}
	h.core.Handle(signaling.EventClientJoined, h.onClientJoined)
	h.core.Handle(signaling.EventClientResponse, h.onClientResponse)
	h.core.Handle(signaling.EventGetConnectedClients, h.onGetConnectedClients)
	h.core.Handle(signaling.EventMessage, h.onMessage)
	return ready, nil
}

// CreateRoom asks the relay for a new room. A host owns at most one room:
// once a request is in flight or has succeeded, further calls fail with
// session.ErrRoomAlreadyCreated without contacting the relay.
func (h *Host) CreateRoom(ctx context.Context) (RoomCreated, error) {
	if !h.core.Initialized() {
		return RoomCreated{}, session.ErrNotInitialized
	}
	h.mu.Lock()
	if h.creating || h.roomCreated {
		h.mu.Unlock()
		return RoomCreated{}, session.ErrRoomAlreadyCreated
	}
	h.creating = true
	h.mu.Unlock()

	_, data, err := h.core.Request(ctx, signaling.EventCreateRoom, nil, signaling.EventRoomCreated)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.creating = false
	if err != nil {
		return RoomCreated{}, err
	}
	roomID, err := parseRoomID(data)
	if err != nil {
		return RoomCreated{}, err
	}
	h.roomCreated = true
	h.core.SetRoom(roomID)
	h.log.Info("room created", "room_id", roomID)
	return RoomCreated{RoomID: roomID}, nil
}

// parseRoomID accepts either a bare JSON string or {"roomId": ...}.
func parseRoomID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, nil
	}
	var rc RoomCreated
	if err := json.Unmarshal(data, &rc); err == nil && rc.RoomID != "" {
		return rc.RoomID, nil
	}
	return "", fmt.Errorf("invalid room_created payload %q", string(data))
}

func (h *Host) meta() signaling.HostMeta {
	roomID, inRoom := h.core.Room()
	return signaling.HostMeta{
		RoomID:          roomID,
		Initialized:     h.core.Initialized(),
		ConnectedToRoom: inRoom,
	}
}

func (h *Host) onClientJoined(data json.RawMessage) {
	var join signaling.ClientJoined
	if err := json.Unmarshal(data, &join); err != nil || join.SocketID == "" {
		h.log.Warn("ignoring malformed client_joined", "data", string(data))
		return
	}
	if err := h.createPeerConnection(join); err != nil {
		h.log.Error("failed to negotiate with client", "user_id", join.UserID, "socket_id", join.SocketID, "err", err)
	}
}

func (h *Host) createPeerConnection(join signaling.ClientJoined) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return session.ErrClosed
	}
	if _, ok := h.peers.bySocket[join.SocketID]; ok {
		h.mu.Unlock()
		h.log.Debug("duplicate client_joined", "socket_id", join.SocketID)
		return nil
	}
	if existing, ok := h.peers.byUser[join.UserID]; ok && join.UserID != "" {
		h.mu.Unlock()
		h.log.Warn("rejecting join with duplicate user id", "user_id", join.UserID, "socket_id", join.SocketID, "existing_socket_id", existing.socketID)
		return nil
	}
	n, err := h.core.NewNegotiator()
	if err != nil {
		h.mu.Unlock()
		return err
	}
	p := &peer{
		userID:        join.UserID,
		socketID:      join.SocketID,
		hostDesignate: len(h.peers.order) == 0,
	}
	p.neg = negotiation.NewInitiator(n, h.core.Config().ChannelName, func(d negotiation.Description) {
		h.sendOffer(p, d)
	})
	h.peers.add(p)
	h.mu.Unlock()

	n.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		h.log.Debug("peer connection state", "user_id", p.userID, "state", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			h.dropPeer(p)
		}
	})

	dc, err := p.neg.Start()
	if err != nil {
		h.mu.Lock()
		h.peers.remove(p)
		h.mu.Unlock()
		_ = p.neg.Close()
		return err
	}
	h.mu.Lock()
	p.channel = dc
	h.mu.Unlock()

	dc.OnOpen(func() { h.onPeerOpen(p) })
	dc.OnClose(func() { h.dropPeer(p) })
	dc.OnMessage(func(data []byte, _ bool) {
		events.Publish(h.core.Bus(), TopicPacket, Packet{
			Meta:    h.meta(),
			From:    p.userID,
			Payload: signaling.DecodeText(data),
		})
	})
	return nil
}

func (h *Host) sendOffer(p *peer, d negotiation.Description) {
	err := h.core.Emit(signaling.EventSendOfferToClient, signaling.Offer{
		To:         p.socketID,
		Offer:      signaling.SDPFromPion(d.SDP),
		Candidates: signaling.CandidatesFromPion(d.Candidates),
	})
	if err != nil {
		h.log.Error("failed to send offer", "socket_id", p.socketID, "err", err)
		return
	}
	h.core.Metrics().Inc(metrics.SessionOffersSent)
	h.log.Debug("offer sent", "socket_id", p.socketID, "candidates", len(d.Candidates))
}

func (h *Host) onClientResponse(data json.RawMessage) {
	var ans signaling.Answer
	if err := json.Unmarshal(data, &ans); err != nil {
		h.log.Warn("ignoring malformed client_response", "err", err)
		return
	}
	h.connectClient(ans)
}

// connectClient applies a client's answer. Answers from sockets the host
// never offered to are ignored.
func (h *Host) connectClient(ans signaling.Answer) {
	h.mu.Lock()
	p := h.peers.bySocket[ans.From]
	h.mu.Unlock()
	if p == nil {
		h.log.Debug("answer from unknown client", "socket_id", ans.From)
		return
	}

	sdp, err := ans.Answer.ToPion()
	if err != nil {
		h.log.Warn("invalid answer", "socket_id", ans.From, "err", err)
		return
	}
	err = p.neg.Accept(negotiation.Description{SDP: sdp, Candidates: signaling.CandidatesToPion(ans.Candidates)})
	if err != nil {
		h.log.Warn("failed to apply answer", "socket_id", ans.From, "err", err)
	}
}

func (h *Host) onPeerOpen(p *peer) {
	h.mu.Lock()
	if p.removed || p.open {
		h.mu.Unlock()
		return
	}
	p.open = true
	roster := h.peers.roster()
	h.mu.Unlock()

	p.neg.MarkConnected()
	h.core.Metrics().Inc(metrics.SessionPeersConnected)
	h.log.Info("client connected", "user_id", p.userID, "socket_id", p.socketID, "host_designate", p.hostDesignate)

	member := p.member()
	events.Publish(h.core.Bus(), TopicClientConnected, ClientConnected{
		Meta:     h.meta(),
		UserID:   p.userID,
		SocketID: p.socketID,
		Clients:  roster,
	})
	h.broadcastClientList(true, &member)
}

// dropPeer handles a channel or connection going away on its own. A peer
// that never opened was never announced, so it is removed silently.
func (h *Host) dropPeer(p *peer) {
	h.mu.Lock()
	wasOpen := p.open
	removed := h.peers.remove(p)
	roster := h.peers.roster()
	closed := h.closed
	h.mu.Unlock()
	if !removed {
		return
	}

	_ = p.neg.Close()
	if !wasOpen {
		h.log.Info("client negotiation abandoned", "user_id", p.userID, "socket_id", p.socketID)
		return
	}
	h.core.Metrics().Inc(metrics.SessionPeersDisconnects)
	h.log.Info("client disconnected", "user_id", p.userID, "socket_id", p.socketID)
	if closed {
		return
	}
	events.Publish(h.core.Bus(), TopicClientDisconnected, ClientDisconnected{
		Meta:     h.meta(),
		UserID:   p.userID,
		SocketID: p.socketID,
		Clients:  roster,
	})
	member := p.member()
	h.broadcastClientList(false, &member)
}

func (h *Host) broadcastClientList(isJoin bool, m *signaling.Member) {
	update := signaling.ClientListUpdate{Meta: h.meta(), IsJoin: isJoin}
	if isJoin {
		update.NewClient = m
	} else {
		update.RemovedClient = m
	}
	h.mu.Lock()
	update.Clients = h.peers.roster()
	h.mu.Unlock()

	if err := h.core.Emit(signaling.EventUpdateClientList, update); err != nil {
		h.log.Warn("failed to broadcast client list", "err", err)
	}
}

func (h *Host) onGetConnectedClients(data json.RawMessage) {
	var q signaling.ConnectedClientsQuery
	if len(data) > 0 {
		if err := json.Unmarshal(data, &q); err != nil {
			h.log.Warn("ignoring malformed get_connected_clients", "err", err)
			return
		}
	}
	err := h.core.Emit(signaling.EventConnectedClients, signaling.ConnectedClients{
		Meta:    h.meta(),
		To:      q.From,
		Payload: h.ConnectedClients(),
	})
	if err != nil {
		h.log.Warn("failed to answer connected clients query", "err", err)
	}
}

func (h *Host) onMessage(data json.RawMessage) {
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warn("ignoring malformed relay message", "err", err)
		return
	}
	if env.To != signaling.ServerRecipient {
		return
	}
	events.Publish(h.core.Bus(), TopicRelay, env.Decode())
}

// ConnectedClients returns the current roster in join order.
func (h *Host) ConnectedClients() signaling.Roster {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers.roster()
}

// Broadcast sends payload as JSON to every client whose channel is open.
func (h *Host) Broadcast(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	h.mu.Lock()
	var targets []*peer
	for _, p := range h.peers.order {
		if p.open && p.channel != nil {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, p := range targets {
		if err := p.channel.SendText(string(b)); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", p.userID, err))
		}
	}
	return errors.Join(errs...)
}

// Send delivers payload as JSON to one client over its data channel.
func (h *Host) Send(userID string, payload any) error {
	h.mu.Lock()
	p := h.peers.byUser[userID]
	dc := p.channelIfOpen()
	h.mu.Unlock()
	if p == nil {
		return session.ErrNotFound
	}
	if dc == nil {
		return fmt.Errorf("client %s: %w", userID, session.ErrNotConnected)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return dc.SendText(string(b))
}

// Relay sends payload to every client through the relay.
func (h *Host) Relay(payload any, stringify bool) error {
	if !h.core.Initialized() {
		return session.ErrNotInitialized
	}
	env, err := signaling.NewHostEnvelope(h.meta(), "", payload, stringify)
	if err != nil {
		return err
	}
	return h.core.Emit(signaling.EventServerSendMessage, env)
}

// RelayTo sends payload to one client through the relay.
func (h *Host) RelayTo(userID string, payload any, stringify bool) error {
	if !h.core.Initialized() {
		return session.ErrNotInitialized
	}
	h.mu.Lock()
	p := h.peers.byUser[userID]
	h.mu.Unlock()
	if p == nil {
		return session.ErrNotFound
	}
	env, err := signaling.NewHostEnvelope(h.meta(), p.socketID, payload, stringify)
	if err != nil {
		return err
	}
	return h.core.Emit(signaling.EventServerSendMessageTo, env)
}

// KickClient disconnects a client and returns the remaining roster. Unknown
// user ids leave everything untouched.
func (h *Host) KickClient(userID string) signaling.Roster {
	h.mu.Lock()
	p := h.peers.byUser[userID]
	if p == nil {
		roster := h.peers.roster()
		h.mu.Unlock()
		return roster
	}
	h.peers.remove(p)
	roster := h.peers.roster()
	dc := p.channel
	h.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	_ = p.neg.Close()
	h.log.Info("client kicked", "user_id", p.userID, "socket_id", p.socketID)

	events.Publish(h.core.Bus(), TopicClientDisconnected, ClientDisconnected{
		Meta:     h.meta(),
		UserID:   p.userID,
		SocketID: p.socketID,
		Clients:  roster,
	})
	member := p.member()
	h.broadcastClientList(false, &member)
	return roster
}

// Room returns the id of the host's room, or "" before CreateRoom succeeds.
func (h *Host) Room() string {
	id, _ := h.core.Room()
	return id
}

func (h *Host) Bus() *events.Bus { return h.core.Bus() }

// Close disconnects every client and the relay.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peers := append([]*peer(nil), h.peers.order...)
	channels := make([]webrtcpeer.DataChannel, 0, len(peers))
	for _, p := range peers {
		h.peers.remove(p)
		if p.channel != nil {
			channels = append(channels, p.channel)
		}
	}
	h.mu.Unlock()

	for _, dc := range channels {
		_ = dc.Close()
	}
	var errs []error
	for _, p := range peers {
		if err := p.neg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.core.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
