package relayserver

import (
	"context"
	"errors"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

var ErrRoomNotFound = errors.New("room not found")

// Room is the persisted membership of one room. Members are in join order.
type Room struct {
	ID           string
	HostSocketID string
	Members      []signaling.Member
}

// RoomStore persists room membership. Connections themselves are always
// local to the relay process.
type RoomStore interface {
	Create(ctx context.Context, roomID, hostSocketID string) error
	Get(ctx context.Context, roomID string) (Room, error)
	AddMember(ctx context.Context, roomID string, m signaling.Member) (Room, error)
	RemoveMember(ctx context.Context, roomID, socketID string) error
	Delete(ctx context.Context, roomID string) error
	Close() error
}
