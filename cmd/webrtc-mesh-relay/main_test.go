package main

import (
	"context"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relayserver"
)

func TestNewRoomStore_DefaultsToMemory(t *testing.T) {
	store, err := newRoomStore(context.Background(), config.Relay{})
	if err != nil {
		t.Fatalf("newRoomStore: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*relayserver.MemoryStore); !ok {
		t.Fatalf("store=%T, want *relayserver.MemoryStore", store)
	}
}

func TestNewRoomStore_RedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newRoomStore(ctx, config.Relay{RoomStore: config.RoomStoreRedis, RedisAddr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestNewRoomStore_MemoryNeedsNoReadinessCheck(t *testing.T) {
	store, err := newRoomStore(context.Background(), config.Relay{RoomStore: config.RoomStoreMemory})
	if err != nil {
		t.Fatalf("newRoomStore: %v", err)
	}
	defer store.Close()
	if _, ok := store.(pinger); ok {
		t.Fatal("memory store should not register a readiness check")
	}
}
