// Package negotiation runs the offer/answer handshake for one data channel.
//
// The Initiator (host side) creates the channel and the offer; the Responder
// (client side) answers it. Neither trickles candidates: each side waits for
// gathering to finish and then hands over its local description together
// with every candidate it gathered, exactly once.
package negotiation
