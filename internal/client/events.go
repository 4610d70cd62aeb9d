package client

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// Topics published on the client's Bus.
var (
	TopicServerConnectionEstablished = events.NewTopic[ConnectionEstablished]("serverConnectionEstablished")
	TopicPacket                      = events.NewTopic[Packet]("packet")
	TopicDisconnected                = events.NewTopic[Disconnected]("disconnected")
	TopicRelayFromClient             = events.NewTopic[signaling.Message]("relayFromClient")
	TopicRelayFromServer             = events.NewTopic[signaling.Message]("relayFromServer")
	TopicRelay                       = events.NewTopic[signaling.Message]("relay")
	TopicClientListUpdated           = events.NewTopic[ClientListUpdated]("clientListUpdated")
)

// ConnectionEstablished is published once the host's data channel opens.
type ConnectionEstablished struct {
	Meta signaling.ClientMeta
}

// Packet is one message received from the host over the data channel.
type Packet struct {
	Meta    signaling.ClientMeta
	Payload any
}

// Disconnected is published when the host's data channel closes.
type Disconnected struct {
	Meta signaling.ClientMeta
}

// ClientListUpdated carries the host's latest roster broadcast.
type ClientListUpdated struct {
	Meta          signaling.HostMeta
	IsJoin        bool
	NewClient     *signaling.Member
	RemovedClient *signaling.Member
	Clients       signaling.Roster
}
