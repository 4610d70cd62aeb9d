package host

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// Topics published on the host's Bus.
var (
	TopicClientConnected    = events.NewTopic[ClientConnected]("clientConnected")
	TopicClientDisconnected = events.NewTopic[ClientDisconnected]("clientDisconnected")
	TopicPacket             = events.NewTopic[Packet]("packet")
	TopicRelay              = events.NewTopic[signaling.Message]("relay")
)

// ClientConnected is published when a client's data channel opens.
type ClientConnected struct {
	Meta     signaling.HostMeta
	UserID   string
	SocketID string
	Clients  signaling.Roster
}

// ClientDisconnected is published when a client's data channel closes or the
// client is kicked.
type ClientDisconnected struct {
	Meta     signaling.HostMeta
	UserID   string
	SocketID string
	Clients  signaling.Roster
}

// Packet is one message received over a client's data channel.
type Packet struct {
	Meta    signaling.HostMeta
	From    string
	Payload any
}

// RoomCreated is the result of CreateRoom.
type RoomCreated struct {
	RoomID string `json:"roomId"`
}
