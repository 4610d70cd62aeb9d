// Package webrtcpeertest provides scriptable webrtcpeer fakes. Nothing
// happens on its own: tests trigger candidates, gathering completion and data
// channel lifecycle explicitly.
package webrtcpeertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var ErrClosed = errors.New("webrtcpeertest: closed")

// Factory records every Negotiator it creates.
type Factory struct {
	mu      sync.Mutex
	err     error
	created []*Negotiator
	ice     [][]webrtc.ICEServer
}

// Fail makes subsequent NewNegotiator calls return err.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Factory) NewNegotiator(iceServers []webrtc.ICEServer) (webrtcpeer.Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n := &Negotiator{id: len(f.created) + 1}
	f.created = append(f.created, n)
	f.ice = append(f.ice, append([]webrtc.ICEServer(nil), iceServers...))
	return n, nil
}

// Created returns the negotiators made so far, in creation order.
func (f *Factory) Created() []*Negotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Negotiator(nil), f.created...)
}

// Last returns the most recently created negotiator or nil.
func (f *Factory) Last() *Negotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// ICEServers returns the ICE servers passed to the i-th NewNegotiator call.
func (f *Factory) ICEServers(i int) []webrtc.ICEServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ice[i]
}

type Negotiator struct {
	id int

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	added       []webrtc.ICECandidateInit
	channels    []*DataChannel
	closed      bool
	onCandidate func(*webrtc.ICECandidateInit)
	onGathering func(webrtc.ICEGatheringState)
	onState     func(webrtc.PeerConnectionState)
	onChannel   func(webrtcpeer.DataChannel)
	candidates  int
}

func (n *Negotiator) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer-%d", n.id)}, nil
}

func (n *Negotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remote == nil {
		return webrtc.SessionDescription{}, errors.New("webrtcpeertest: no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer-%d", n.id)}, nil
}

func (n *Negotiator) SetLocalDescription(d webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	n.local = &d
	return nil
}

func (n *Negotiator) SetRemoteDescription(d webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	n.remote = &d
	return nil
}

func (n *Negotiator) LocalDescription() *webrtc.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.local == nil {
		return nil
	}
	d := *n.local
	return &d
}

func (n *Negotiator) RemoteDescription() *webrtc.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remote == nil {
		return nil
	}
	d := *n.remote
	return &d
}

func (n *Negotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.remote == nil {
		return errors.New("webrtcpeertest: candidate before remote description")
	}
	n.added = append(n.added, c)
	return nil
}

// Added returns the remote candidates applied so far.
func (n *Negotiator) Added() []webrtc.ICECandidateInit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), n.added...)
}

func (n *Negotiator) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onCandidate = f
	n.mu.Unlock()
}

func (n *Negotiator) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	n.mu.Lock()
	n.onGathering = f
	n.mu.Unlock()
}

func (n *Negotiator) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	n.onState = f
	n.mu.Unlock()
}

func (n *Negotiator) CreateDataChannel(label string) (webrtcpeer.DataChannel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	dc := NewDataChannel(label)
	n.channels = append(n.channels, dc)
	return dc, nil
}

// Channels returns the data channels created locally.
func (n *Negotiator) Channels() []*DataChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*DataChannel(nil), n.channels...)
}

func (n *Negotiator) OnDataChannel(f func(webrtcpeer.DataChannel)) {
	n.mu.Lock()
	n.onChannel = f
	n.mu.Unlock()
}

func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	channels := append([]*DataChannel(nil), n.channels...)
	n.mu.Unlock()
	for _, dc := range channels {
		_ = dc.Close()
	}
	return nil
}

func (n *Negotiator) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// EmitCandidate reports a new local host candidate.
func (n *Negotiator) EmitCandidate() webrtc.ICECandidateInit {
	n.mu.Lock()
	n.candidates++
	mid := "0"
	idx := uint16(0)
	c := webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000%d typ host", n.candidates, n.id, n.candidates),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	f := n.onCandidate
	n.mu.Unlock()
	if f != nil {
		f(&c)
	}
	return c
}

// CompleteGathering signals the end of candidate gathering. Calling it more
// than once mimics stacks that report completion repeatedly.
func (n *Negotiator) CompleteGathering() {
	n.mu.Lock()
	onCandidate, onGathering := n.onCandidate, n.onGathering
	n.mu.Unlock()
	if onCandidate != nil {
		onCandidate(nil)
	}
	if onGathering != nil {
		onGathering(webrtc.ICEGatheringStateComplete)
	}
}

// SetConnectionState reports a peer connection state change.
func (n *Negotiator) SetConnectionState(s webrtc.PeerConnectionState) {
	n.mu.Lock()
	f := n.onState
	n.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// AnnounceDataChannel delivers a remotely created channel.
func (n *Negotiator) AnnounceDataChannel(dc *DataChannel) {
	n.mu.Lock()
	f := n.onChannel
	n.mu.Unlock()
	if f != nil {
		f(dc)
	}
}

// DataChannel is an in-memory data channel. Sent messages are recorded.
type DataChannel struct {
	label string

	Unordered bool

	mu        sync.Mutex
	open      bool
	closed    bool
	sent      []string
	onOpen    func()
	onMessage func([]byte, bool)
	onClose   func()
}

func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label}
}

func (d *DataChannel) Label() string { return d.label }
func (d *DataChannel) Ordered() bool { return !d.Unordered }
func (d *DataChannel) MaxRetransmits() *uint16 { return nil }
func (d *DataChannel) MaxPacketLifeTime() *uint16 { return nil }

func (d *DataChannel) Send(data []byte) error {
	return d.SendText(string(data))
}

func (d *DataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open || d.closed {
		return errors.New("webrtcpeertest: datachannel not open")
	}
	d.sent = append(d.sent, text)
	return nil
}

// Sent returns every message sent on the channel.
func (d *DataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	open := d.open
	d.mu.Unlock()
	if open && f != nil {
		f()
	}
}

func (d *DataChannel) OnMessage(f func([]byte, bool)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *DataChannel) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

// Open marks the channel open and fires the open handler.
func (d *DataChannel) Open() {
	d.mu.Lock()
	if d.open || d.closed {
		d.mu.Unlock()
		return
	}
	d.open = true
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

// Receive delivers a text message from the remote side.
func (d *DataChannel) Receive(text string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f([]byte(text), true)
	}
}

// Close closes the channel and fires the close handler once.
func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.open = false
	f := d.onClose
	d.mu.Unlock()
	if f != nil {
		f()
	}
	return nil
}

func (d *DataChannel) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
