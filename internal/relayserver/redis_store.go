package relayserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// DefaultRoomTTL bounds how long an abandoned room survives in Redis if the
// relay exits without deleting it. Every membership change refreshes it.
const DefaultRoomTTL = 24 * time.Hour

// RedisStore persists rooms in Redis so several relay processes can share
// one room namespace. A room is a hash holding the host socket id plus a
// list of JSON-encoded members.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore scopes keys under prefix, e.g. "webrtc-mesh".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "webrtc-mesh"
	}
	return &RedisStore{rdb: rdb, prefix: p, ttl: DefaultRoomTTL}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *RedisStore) roomKey(roomID string) string {
	return fmt.Sprintf("%s:rooms:%s", s.prefix, roomID)
}

func (s *RedisStore) membersKey(roomID string) string {
	return fmt.Sprintf("%s:rooms:%s:members", s.prefix, roomID)
}

func (s *RedisStore) Create(ctx context.Context, roomID, hostSocketID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.membersKey(roomID))
	pipe.HSet(ctx, s.roomKey(roomID), map[string]interface{}{
		"host":       hostSocketID,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, s.roomKey(roomID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, roomID string) (Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return Room{}, ErrRoomNotFound
	}
	host, err := s.rdb.HGet(ctx, s.roomKey(roomID), "host").Result()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	raw, err := s.rdb.LRange(ctx, s.membersKey(roomID), 0, -1).Result()
	if err != nil {
		return Room{}, err
	}
	room := Room{ID: roomID, HostSocketID: host}
	for _, item := range raw {
		var m signaling.Member
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return Room{}, fmt.Errorf("decode member of room %s: %w", roomID, err)
		}
		room.Members = append(room.Members, m)
	}
	return room, nil
}

func (s *RedisStore) AddMember(ctx context.Context, roomID string, m signaling.Member) (Room, error) {
	exists, err := s.rdb.Exists(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return Room{}, err
	}
	if exists == 0 {
		return Room{}, ErrRoomNotFound
	}
	if err := s.RemoveMember(ctx, roomID, m.SocketID); err != nil {
		return Room{}, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Room{}, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.membersKey(roomID), b)
	pipe.Expire(ctx, s.membersKey(roomID), s.ttl)
	pipe.Expire(ctx, s.roomKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Room{}, err
	}
	return s.Get(ctx, roomID)
}

func (s *RedisStore) RemoveMember(ctx context.Context, roomID, socketID string) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	for _, m := range room.Members {
		if m.SocketID != socketID {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := s.rdb.LRem(ctx, s.membersKey(roomID), 0, b).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, roomID string) error {
	deleted, err := s.rdb.Del(ctx, s.roomKey(roomID), s.membersKey(roomID)).Result()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// Ping reports whether the Redis server answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
