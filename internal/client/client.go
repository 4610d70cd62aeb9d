// Package client implements the joining side of a mesh session. A Client
// joins a host's room through the relay and answers the host's offer to
// open a single data channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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

// Client joins a host's room and talks to the host over one data channel.
type Client struct {
	core   *session.Core
	log    *slog.Logger
	userID string

	mu          sync.Mutex
	socketID    string
	responder   *negotiation.Responder
	channel     webrtcpeer.DataChannel
	open        bool
	established bool
	peers       signaling.Roster
}

// New validates cfg and builds a Client without contacting the relay. The user id sent to the relay is the configured
// UserID with a random suffix, or a random "user-" id when none is set.
func New(cfg config.Session, opts ...session.Option) (*Client, error) {
	core, err := session.New(cfg, config.RoleClient, opts...)
	if err != nil {
		return nil, err
	}
	userID := "user-" + config.RandomID(8)
	if base := strings.TrimSpace(cfg.UserID); base != "" {
		userID = base + "-" + config.RandomID(4)
	}
	return &Client{
		core:   core,
		log:    core.Logger().With("user_id", userID),
		userID: userID,
		peers:  signaling.NewRoster(nil),
	}, nil
}

// Init connects to the relay and installs the client's relay handlers.
func (c *Client) Init(ctx context.Context) (session.Ready, error) {
	ready, err := c.core.Initialize(ctx, c.userID)
	if err != nil {
		return session.Ready{}, err
	}
	c.core.Handle(signaling.EventServerOffer, c.onServerOffer)
	c.core.Handle(signaling.EventMessage, c.onMessage)
	c.core.Handle(signaling.EventUpdateClientList, c.onUpdateClientList)
	return ready, nil
}

// ConnectToRoom joins roomID. It fails with session.ErrRoomNotFound when the
// relay does not know the room and session.ErrTimeout when it does not
// answer.
func (c *Client) ConnectToRoom(ctx context.Context, roomID string) (signaling.RoomJoined, error) {
	if !c.core.Initialized() {
		return signaling.RoomJoined{}, session.ErrNotInitialized
	}

	event, data, err := c.core.Request(ctx, signaling.EventJoinRoom,
		signaling.JoinRoom{RoomID: roomID, UserID: c.userID},
		signaling.EventRoomJoined, signaling.EventRoomNotFound)
	if err != nil {
		return signaling.RoomJoined{}, err
	}
	if event == signaling.EventRoomNotFound {
		c.log.Warn("room not found", "room_id", roomID)
		return signaling.RoomJoined{}, session.ErrRoomNotFound
	}

	var joined signaling.RoomJoined
	if err := json.Unmarshal(data, &joined); err != nil {
		return signaling.RoomJoined{}, fmt.Errorf("decode room_joined: %w", err)
	}
	if joined.RoomID == "" {
		joined.RoomID = roomID
	}
	c.mu.Lock()
	c.socketID = joined.SocketID
	c.mu.Unlock()
	c.core.SetRoom(joined.RoomID)
	c.log.Info("joined room", "room_id", joined.RoomID, "socket_id", joined.SocketID, "connected_clients", joined.ConnectedClients)
	return joined, nil
}

// ConnectedClients asks the host for its roster through the relay.
func (c *Client) ConnectedClients(ctx context.Context) (signaling.Roster, error) {
	roomID, inRoom := c.core.Room()
	if !inRoom {
		return signaling.Roster{}, session.ErrNotConnected
	}
	_, data, err := c.core.Request(ctx, signaling.EventGetConnectedClients,
		signaling.ConnectedClientsQuery{RoomID: roomID},
		signaling.EventConnectedClients)
	if err != nil {
		return signaling.Roster{}, err
	}
	var reply signaling.ConnectedClients
	if err := json.Unmarshal(data, &reply); err != nil {
		return signaling.Roster{}, fmt.Errorf("decode connected_clients: %w", err)
	}
	return reply.Payload, nil
}

func (c *Client) meta() signaling.ClientMeta {
	roomID, _ := c.core.Room()
	c.mu.Lock()
	defer c.mu.Unlock()
	return signaling.ClientMeta{UserID: c.userID, RoomID: roomID, SocketID: c.socketID}
}

func (c *Client) onServerOffer(data json.RawMessage) {
	var offer signaling.Offer
	if err := json.Unmarshal(data, &offer); err != nil {
		c.log.Warn("ignoring malformed server_offer", "err", err)
		return
	}
	sdp, err := offer.Offer.ToPion()
	if err != nil {
		c.log.Warn("ignoring invalid server_offer", "err", err)
		return
	}

	c.mu.Lock()
	if c.responder != nil {
		c.mu.Unlock()
		c.log.Debug("ignoring duplicate server_offer")
		return
	}
	n, err := c.core.NewNegotiator()
	if err != nil {
		c.mu.Unlock()
		c.log.Error("failed to create negotiator", "err", err)
		return
	}
	r := negotiation.NewResponder(n, c.sendAnswer)
	c.responder = r
	c.mu.Unlock()

	n.OnDataChannel(func(dc webrtcpeer.DataChannel) { c.onDataChannel(r, dc) })
	n.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.onChannelClose(r)
		}
	})

	err = r.Respond(negotiation.Description{SDP: sdp, Candidates: signaling.CandidatesToPion(offer.Candidates)})
	if err != nil {
		c.log.Warn("failed to answer offer", "err", err)
	}
}

func (c *Client) sendAnswer(d negotiation.Description) {
	roomID, _ := c.core.Room()
	err := c.core.Emit(signaling.EventSendClientOfferResponse, signaling.Answer{
		UserID:     c.userID,
		RoomID:     roomID,
		Answer:     signaling.SDPFromPion(d.SDP),
		Candidates: signaling.CandidatesFromPion(d.Candidates),
	})
	if err != nil {
		c.log.Error("failed to send answer", "err", err)
		return
	}
	c.core.Metrics().Inc(metrics.SessionAnswersSent)
	c.log.Debug("answer sent", "candidates", len(d.Candidates))
}

func (c *Client) onDataChannel(r *negotiation.Responder, dc webrtcpeer.DataChannel) {
	if err := webrtcpeer.ValidateHostDataChannel(dc); err != nil {
		c.log.Warn("rejecting data channel", "label", dc.Label(), "err", err)
		_ = dc.Close()
		return
	}
	c.mu.Lock()
	if c.responder != r || c.channel != nil {
		c.mu.Unlock()
		_ = dc.Close()
		return
	}
	c.channel = dc
	c.mu.Unlock()

	dc.OnOpen(func() { c.onChannelOpen(r) })
	dc.OnClose(func() { c.onChannelClose(r) })
	dc.OnMessage(func(data []byte, _ bool) {
		events.Publish(c.core.Bus(), TopicPacket, Packet{Meta: c.meta(), Payload: signaling.DecodeText(data)})
	})
}

func (c *Client) onChannelOpen(r *negotiation.Responder) {
	c.mu.Lock()
	if c.responder != r || c.established {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.established = true
	c.mu.Unlock()

	r.MarkConnected()
	c.core.Metrics().Inc(metrics.SessionPeersConnected)
	c.log.Info("connected to host")
	events.Publish(c.core.Bus(), TopicServerConnectionEstablished, ConnectionEstablished{Meta: c.meta()})
}

// onChannelClose tears down the negotiation with the host. Losing an
// established channel means the host left or kicked us, so the room is
// forgotten too. A later server_offer starts a fresh negotiation.
func (c *Client) onChannelClose(r *negotiation.Responder) {
	c.mu.Lock()
	if c.responder != r {
		c.mu.Unlock()
		return
	}
	wasEstablished := c.established
	c.responder = nil
	c.channel = nil
	c.open = false
	c.established = false
	c.mu.Unlock()

	_ = r.Close()
	if wasEstablished {
		c.core.SetRoom("")
	}
	c.core.Metrics().Inc(metrics.SessionPeersDisconnects)
	c.log.Info("disconnected from host")
	events.Publish(c.core.Bus(), TopicDisconnected, Disconnected{Meta: c.meta()})
}

func (c *Client) onMessage(data json.RawMessage) {
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("ignoring malformed relay message", "err", err)
		return
	}
	msg := env.Decode()
	switch msg.Kind {
	case signaling.KindClient:
		events.Publish(c.core.Bus(), TopicRelayFromClient, msg)
	case signaling.KindHost:
		events.Publish(c.core.Bus(), TopicRelayFromServer, msg)
	}
	events.Publish(c.core.Bus(), TopicRelay, msg)
}

func (c *Client) onUpdateClientList(data json.RawMessage) {
	var u signaling.ClientListUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		c.log.Warn("ignoring malformed update_client_list", "err", err)
		return
	}
	u.Clients = signaling.NewRoster(u.Clients.Clients)
	c.mu.Lock()
	c.peers = u.Clients
	c.mu.Unlock()
	events.Publish(c.core.Bus(), TopicClientListUpdated, ClientListUpdated{
		Meta:          u.Meta,
		IsJoin:        u.IsJoin,
		NewClient:     u.NewClient,
		RemovedClient: u.RemovedClient,
		Clients:       u.Clients,
	})
}

// Send delivers payload as JSON to the host over the data channel. It does
// nothing while the channel is not open.
func (c *Client) Send(payload any) error {
	c.mu.Lock()
	dc, open := c.channel, c.open
	c.mu.Unlock()
	if dc == nil || !open {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return dc.SendText(string(b))
}

// Relay sends payload to the host through the relay.
func (c *Client) Relay(payload any, stringify bool) error {
	return c.relay(signaling.EventClientSendMessage, signaling.ServerRecipient, payload, stringify)
}

// RelayTo sends payload to another client, addressed by user id, through
// the relay.
func (c *Client) RelayTo(userID string, payload any, stringify bool) error {
	return c.relay(signaling.EventClientSendMessageTo, userID, payload, stringify)
}

func (c *Client) relay(event, to string, payload any, stringify bool) error {
	if !c.core.Initialized() {
		return session.ErrNotInitialized
	}
	env, err := signaling.NewClientEnvelope(c.meta(), to, payload, stringify)
	if err != nil {
		return err
	}
	return c.core.Emit(event, env)
}

// Peers returns the roster from the host's most recent broadcast.
func (c *Client) Peers() signaling.Roster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers
}

func (c *Client) UserID() string { return c.userID }

func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

func (c *Client) Bus() *events.Bus { return c.core.Bus() }

// Close closes the data channel, the negotiation and the relay connection.
func (c *Client) Close() error {
	c.mu.Lock()
	r, dc := c.responder, c.channel
	c.responder = nil
	c.channel = nil
	c.open = false
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	var errs []error
	if r != nil {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.core.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
