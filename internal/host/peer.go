package host

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

// peer is the host's record of one joined client. It is bound to a single
// relay socket for its whole life. Fields are guarded by Host.mu.
type peer struct {
	userID        string
	socketID      string
	hostDesignate bool

	neg     *negotiation.Initiator
	channel webrtcpeer.DataChannel
	open    bool
	removed bool
}

func (p *peer) member() signaling.Member {
	return signaling.Member{UserID: p.userID, SocketID: p.socketID}
}

// registry keeps peers in join order with lookups by socket and user id.
type registry struct {
	order    []*peer
	bySocket map[string]*peer
	byUser   map[string]*peer
}

func newRegistry() registry {
	return registry{
		bySocket: make(map[string]*peer),
		byUser:   make(map[string]*peer),
	}
}

func (r *registry) add(p *peer) {
	r.order = append(r.order, p)
	r.bySocket[p.socketID] = p
	if p.userID != "" {
		r.byUser[p.userID] = p
	}
}

// remove drops p and marks it removed. It reports false when p was already
// gone.
func (r *registry) remove(p *peer) bool {
	if p.removed {
		return false
	}
	p.removed = true
	delete(r.bySocket, p.socketID)
	if r.byUser[p.userID] == p {
		delete(r.byUser, p.userID)
	}
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) roster() signaling.Roster {
	members := make([]signaling.Member, 0, len(r.order))
	for _, p := range r.order {
		members = append(members, p.member())
	}
	return signaling.NewRoster(members)
}

func (p *peer) channelIfOpen() webrtcpeer.DataChannel {
	if p == nil || !p.open {
		return nil
	}
	return p.channel
}
