// Package webrtcpeer adapts pion/webrtc to the small negotiation surface used
// by hosts and clients: create and answer offers, trickle candidates into a
// list, and exchange data over one reliable ordered data channel per peer.
package webrtcpeer
