package webrtcpeer

import (
	"github.com/pion/webrtc/v4"
)

// Negotiator is one peer connection as seen by the offer/answer protocol.
// Callbacks may run on any goroutine.
type Negotiator interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// LocalDescription reports the current local description, including any
	// candidates gathered so far. It is nil before SetLocalDescription.
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate is called once per gathered local candidate and with nil
	// when gathering finishes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnICEGatheringStateChange(func(webrtc.ICEGatheringState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(func(DataChannel))

	Close() error
}

// DataChannel is the subset of a data channel hosts and clients use.
type DataChannel interface {
	Label() string
	Ordered() bool
	MaxRetransmits() *uint16
	MaxPacketLifeTime() *uint16

	Send(data []byte) error
	SendText(text string) error

	OnOpen(func())
	OnMessage(func(data []byte, isString bool))
	OnClose(func())
	Close() error
}

type pionNegotiator struct {
	pc *webrtc.PeerConnection
}

// PeerConnection exposes the underlying pion connection.
func PeerConnection(n Negotiator) (*webrtc.PeerConnection, bool) {
	p, ok := n.(*pionNegotiator)
	if !ok {
		return nil, false
	}
	return p.pc, true
}

func (n *pionNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	return n.pc.CreateOffer(nil)
}

func (n *pionNegotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	return n.pc.CreateAnswer(nil)
}

func (n *pionNegotiator) SetLocalDescription(desc webrtc.SessionDescription) error {
	return n.pc.SetLocalDescription(desc)
}

func (n *pionNegotiator) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return n.pc.SetRemoteDescription(desc)
}

func (n *pionNegotiator) LocalDescription() *webrtc.SessionDescription {
	return n.pc.LocalDescription()
}

func (n *pionNegotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(c)
}

func (n *pionNegotiator) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (n *pionNegotiator) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	n.pc.OnICEGatheringStateChange(f)
}

func (n *pionNegotiator) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	n.pc.OnConnectionStateChange(f)
}

func (n *pionNegotiator) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := n.pc.CreateDataChannel(label, ReliableDataChannelInit())
	if err != nil {
		return nil, err
	}
	return pionDataChannel{dc: dc}, nil
}

func (n *pionNegotiator) OnDataChannel(f func(DataChannel)) {
	n.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(pionDataChannel{dc: dc})
	})
}

func (n *pionNegotiator) Close() error {
	return n.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d pionDataChannel) Label() string { return d.dc.Label() }
func (d pionDataChannel) Ordered() bool { return d.dc.Ordered() }
func (d pionDataChannel) MaxRetransmits() *uint16 { return d.dc.MaxRetransmits() }
func (d pionDataChannel) MaxPacketLifeTime() *uint16 { return d.dc.MaxPacketLifeTime() }
func (d pionDataChannel) Send(data []byte) error { return d.dc.Send(data) }
func (d pionDataChannel) SendText(text string) error { return d.dc.SendText(text) }
func (d pionDataChannel) OnOpen(f func()) { d.dc.OnOpen(f) }
func (d pionDataChannel) OnClose(f func()) { d.dc.OnClose(f) }
func (d pionDataChannel) Close() error { return d.dc.Close() }

func (d pionDataChannel) OnMessage(f func(data []byte, isString bool)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data, msg.IsString)
	})
}
