package signaling

// Relay event names. Hosts and clients emit and receive these through a
// Transport; the relay routes them between members of a room.
const (
	EventConnect = "connect"

	EventGetTurnAuth = "get_turn_auth"
	EventTurnAuth    = "turn_auth"

	EventCreateRoom   = "create_room"
	EventRoomCreated  = "room_created"
	EventJoinRoom     = "join_room"
	EventRoomJoined   = "room_joined"
	EventRoomNotFound = "room_not_found"
	EventClientJoined = "client_joined"

	EventSendOfferToClient       = "send_offer_to_client"
	EventServerOffer             = "server_offer"
	EventSendClientOfferResponse = "send_client_offer_response"
	EventClientResponse          = "client_response"

	EventGetConnectedClients = "get_connected_clients"
	EventConnectedClients    = "connected_clients"
	EventUpdateClientList    = "update_client_list"

	EventClientSendMessage   = "client_send_message"
	EventClientSendMessageTo = "client_send_message_to"
	EventServerSendMessage   = "server_send_message"
	EventServerSendMessageTo = "server_send_message_to"
	EventMessage             = "message"
)

// ServerRecipient is the "to" value of envelopes addressed to the room host.
const ServerRecipient = "server"

// Member identifies one client in a room.
type Member struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
}

// Roster is the host's view of the clients in its room.
type Roster struct {
	Clients []Member `json:"clients"`
	Count   int      `json:"count"`
}

func NewRoster(members []Member) Roster {
	if members == nil {
		members = []Member{}
	}
	return Roster{Clients: members, Count: len(members)}
}

// ConnectAck is the data of the connect event the relay sends after the
// WebSocket handshake.
type ConnectAck struct {
	SocketID string `json:"socketId"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RoomJoined struct {
	RoomID           string `json:"roomId"`
	SocketID         string `json:"socketId"`
	ConnectedClients int    `json:"connectedClients"`
}

type ClientJoined struct {
	UserID           string `json:"userId"`
	SocketID         string `json:"socketId"`
	ConnectedClients int    `json:"connectedClients"`
}

// Offer is sent by the host as send_offer_to_client and arrives at the
// client as server_offer. Candidates holds every local candidate gathered
// before the offer was sent.
type Offer struct {
	To         string      `json:"to,omitempty"`
	Offer      SDP         `json:"offer"`
	Candidates []Candidate `json:"candidates"`
}

// Answer is sent by the client as send_client_offer_response. The relay sets
// From to the client's socket id before forwarding it as client_response.
type Answer struct {
	From       string      `json:"from,omitempty"`
	UserID     string      `json:"userId"`
	RoomID     string      `json:"roomId"`
	Answer     SDP         `json:"answer"`
	Candidates []Candidate `json:"candidates"`
}

// ConnectedClientsQuery is the data of get_connected_clients. The relay
// overwrites From with the requester's socket id.
type ConnectedClientsQuery struct {
	From   string `json:"from,omitempty"`
	RoomID string `json:"roomId,omitempty"`
}

// ConnectedClients is the host's reply to a ConnectedClientsQuery.
type ConnectedClients struct {
	Meta    HostMeta `json:"meta"`
	To      string   `json:"to"`
	Payload Roster   `json:"payload"`
}

// ClientListUpdate is broadcast by the host whenever a client joins or
// leaves.
type ClientListUpdate struct {
	Meta          HostMeta `json:"meta"`
	IsJoin        bool     `json:"isJoin"`
	NewClient     *Member  `json:"newClient,omitempty"`
	RemovedClient *Member  `json:"removedClient,omitempty"`
	Clients       Roster   `json:"clients"`
}
