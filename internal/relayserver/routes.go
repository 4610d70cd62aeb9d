package relayserver

import (
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/turnrest"
)

// eventRoles lists which role may send each routed event. get_turn_auth is
// open to both.
var eventRoles = map[string]config.Role{
	signaling.EventCreateRoom:              config.RoleHost,
	signaling.EventSendOfferToClient:       config.RoleHost,
	signaling.EventConnectedClients:        config.RoleHost,
	signaling.EventServerSendMessage:       config.RoleHost,
	signaling.EventServerSendMessageTo:     config.RoleHost,
	signaling.EventUpdateClientList:        config.RoleHost,
	signaling.EventJoinRoom:                config.RoleClient,
	signaling.EventSendClientOfferResponse: config.RoleClient,
	signaling.EventGetConnectedClients:     config.RoleClient,
	signaling.EventClientSendMessage:       config.RoleClient,
	signaling.EventClientSendMessageTo:     config.RoleClient,
}

func (s *Server) route(c *conn, f signaling.Frame) {
	if f.Event != signaling.EventGetTurnAuth {
		want, ok := eventRoles[f.Event]
		if !ok {
			s.drop(c, metrics.DropReasonUnknown, f.Event)
			return
		}
		if want != c.role {
			s.drop(c, metrics.DropReasonWrongRole, f.Event)
			return
		}
	}

	switch f.Event {
	case signaling.EventGetTurnAuth:
		s.deliver(c, signaling.EventTurnAuth, s.turnAuth(c.socketID))
	case signaling.EventCreateRoom:
		s.createRoom(c)
	case signaling.EventJoinRoom:
		s.joinRoom(c, f.Data)
	case signaling.EventSendOfferToClient:
		s.toMember(c, f.Data, signaling.EventServerOffer)
	case signaling.EventSendClientOfferResponse:
		s.toHostFrom(c, f.Data, signaling.EventClientResponse)
	case signaling.EventGetConnectedClients:
		s.toHostFrom(c, f.Data, signaling.EventGetConnectedClients)
	case signaling.EventConnectedClients:
		s.toMember(c, f.Data, signaling.EventConnectedClients)
	case signaling.EventClientSendMessage:
		s.toHost(c, f.Data, signaling.EventMessage)
	case signaling.EventClientSendMessageTo, signaling.EventServerSendMessageTo:
		s.toMember(c, f.Data, signaling.EventMessage)
	case signaling.EventServerSendMessage:
		s.toRoom(c, f.Data, signaling.EventMessage)
	case signaling.EventUpdateClientList:
		s.toRoom(c, f.Data, signaling.EventUpdateClientList)
	}
}

// createRoom answers with the room id as a bare JSON string. A host that
// already owns a room gets the same id again.
func (s *Server) createRoom(c *conn) {
	if roomID := c.room(); roomID != "" {
		s.deliver(c, signaling.EventRoomCreated, roomID)
		return
	}
	roomID := config.RandomID(roomIDLength)
	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.Create(ctx, roomID, c.socketID); err != nil {
		c.log.Error("create room failed", "err", err)
		return
	}
	c.setRoom(roomID)
	s.metrics.Inc(metrics.RelayRoomsCreated)
	c.log.Info("room created", "room_id", roomID)
	s.deliver(c, signaling.EventRoomCreated, roomID)
}

func (s *Server) joinRoom(c *conn, data json.RawMessage) {
	var req signaling.JoinRoom
	if err := json.Unmarshal(data, &req); err != nil {
		s.drop(c, metrics.DropReasonMalformed, signaling.EventJoinRoom)
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = c.userID
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	if prev := c.room(); prev != "" && prev != req.RoomID {
		_ = s.store.RemoveMember(ctx, prev, c.socketID)
	}
	room, err := s.store.AddMember(ctx, req.RoomID, signaling.Member{UserID: userID, SocketID: c.socketID})
	if errors.Is(err, ErrRoomNotFound) {
		s.metrics.Inc(metrics.RelayJoinsRoomNotFound)
		s.deliver(c, signaling.EventRoomNotFound, map[string]string{"roomId": req.RoomID})
		return
	}
	if err != nil {
		c.log.Error("join room failed", "room_id", req.RoomID, "err", err)
		return
	}
	c.mu.Lock()
	c.roomID = room.ID
	c.userID = userID
	c.mu.Unlock()
	s.metrics.Inc(metrics.RelayJoins)
	c.log.Info("room joined", "room_id", room.ID, "user_id", userID)

	s.deliver(c, signaling.EventRoomJoined, signaling.RoomJoined{
		RoomID:           room.ID,
		SocketID:         c.socketID,
		ConnectedClients: len(room.Members),
	})
	s.deliverTo(room.HostSocketID, signaling.EventClientJoined, signaling.ClientJoined{
		UserID:           userID,
		SocketID:         c.socketID,
		ConnectedClients: len(room.Members),
	})
}

func (s *Server) currentRoom(c *conn) (Room, bool) {
	roomID := c.room()
	if roomID == "" {
		return Room{}, false
	}
	ctx, cancel := s.storeContext()
	defer cancel()
	room, err := s.store.Get(ctx, roomID)
	if err != nil {
		return Room{}, false
	}
	return room, true
}

func (s *Server) toHost(c *conn, data json.RawMessage, event string) {
	room, ok := s.currentRoom(c)
	if !ok {
		s.metrics.Inc(metrics.RelayUndeliverable)
		return
	}
	s.deliverTo(room.HostSocketID, event, data)
}

func (s *Server) toHostFrom(c *conn, data json.RawMessage, event string) {
	stamped, err := withFrom(data, c.socketID)
	if err != nil {
		s.drop(c, metrics.DropReasonMalformed, event)
		return
	}
	s.toHost(c, stamped, event)
}

// toMember delivers to the room member named by the payload's "to", matched
// by socket id or user id. "server" addresses the host.
func (s *Server) toMember(c *conn, data json.RawMessage, event string) {
	to := recipient(data)
	room, ok := s.currentRoom(c)
	if !ok || to == "" {
		s.metrics.Inc(metrics.RelayUndeliverable)
		return
	}
	if to == signaling.ServerRecipient || to == room.HostSocketID {
		s.deliverTo(room.HostSocketID, event, data)
		return
	}
	for _, m := range room.Members {
		if m.SocketID == to || m.UserID == to {
			s.deliverTo(m.SocketID, event, data)
			return
		}
	}
	s.metrics.Inc(metrics.RelayUndeliverable)
	c.log.Debug("relay recipient not in room", "to", to, "event", event)
}

func (s *Server) toRoom(c *conn, data json.RawMessage, event string) {
	room, ok := s.currentRoom(c)
	if !ok {
		s.metrics.Inc(metrics.RelayUndeliverable)
		return
	}
	for _, m := range room.Members {
		s.deliverTo(m.SocketID, event, data)
	}
}

type turnAuthServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// turnAuth picks the first TURN server, with REST credentials minted for
// socketID when a shared secret is configured. Without a TURN server it
// falls back to the first configured server, then to an entry with no URLs.
func (s *Server) turnAuth(socketID string) turnAuthServer {
	servers := s.cfg.ICEServers
	if s.turn != nil {
		decorated, err := s.turn.Decorate(servers, socketID)
		if err != nil {
			s.log.Error("issue turn credentials", "socket_id", socketID, "err", err)
		} else {
			servers = decorated
		}
	}
	pick := func(server webrtc.ICEServer) turnAuthServer {
		out := turnAuthServer{URLs: append([]string{}, server.URLs...), Username: server.Username}
		if cred, ok := server.Credential.(string); ok {
			out.Credential = cred
		}
		return out
	}
	for _, server := range servers {
		if turnrest.IsTURN(server) {
			return pick(server)
		}
	}
	if len(servers) > 0 {
		return pick(servers[0])
	}
	return turnAuthServer{URLs: []string{}}
}
