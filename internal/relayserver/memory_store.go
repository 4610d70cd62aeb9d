package relayserver

import (
	"context"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// MemoryStore keeps rooms in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Room)}
}

func (s *MemoryStore) Create(_ context.Context, roomID, hostSocketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = &Room{ID: roomID, HostSocketID: hostSocketID}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, roomID string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r.clone(), nil
}

// AddMember replaces any member with the same socket id.
func (s *MemoryStore) AddMember(_ context.Context, roomID string, m signaling.Member) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	r.Members = removeMember(r.Members, m.SocketID)
	r.Members = append(r.Members, m)
	return r.clone(), nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, roomID, socketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.Members = removeMember(r.Members, socketID)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (r *Room) clone() Room {
	out := *r
	out.Members = append([]signaling.Member(nil), r.Members...)
	return out
}

func removeMember(members []signaling.Member, socketID string) []signaling.Member {
	out := members[:0]
	for _, m := range members {
		if m.SocketID != socketID {
			out = append(out, m)
		}
	}
	return out
}
