// Package signaling speaks the relay protocol used to introduce hosts and
// clients: named events carried as {"event","data"} JSON frames over a
// WebSocket, the payload shapes of each event, and the tagged envelope used
// for relayed application messages.
package signaling
