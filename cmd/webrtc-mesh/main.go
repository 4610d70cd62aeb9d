// Command webrtc-mesh runs one side of a mesh room against a relay. As a host
// it creates a room and echoes every packet back to its sender; as a client it
// joins the room and greets the host once the data channel opens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/events"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/host"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

const startupTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithAPIConfig(webrtcpeer.APIConfig{Logger: logger}),
	}
	switch cfg.Role {
	case config.RoleHost:
		err = runHost(ctx, cfg, logger, opts)
	default:
		err = runClient(ctx, cfg, logger, opts)
	}
	if err != nil {
		logger.Error("webrtc-mesh exited", "role", cfg.Role, "err", err)
		os.Exit(1)
	}
}

func runHost(ctx context.Context, cfg config.Peer, logger *slog.Logger, opts []session.Option) error {
	h, err := host.New(cfg.Session, opts...)
	if err != nil {
		return err
	}
	defer h.Close()

	bus := h.Bus()
	events.Subscribe(bus, host.TopicClientConnected, func(e host.ClientConnected) {
		logger.Info("client connected", "user_id", e.UserID, "clients", e.Clients.Count)
	})
	events.Subscribe(bus, host.TopicClientDisconnected, func(e host.ClientDisconnected) {
		logger.Info("client disconnected", "user_id", e.UserID, "clients", e.Clients.Count)
	})
	events.Subscribe(bus, host.TopicPacket, func(p host.Packet) {
		logger.Info("packet", "from", p.From, "payload", p.Payload)
		if err := h.Send(p.From, map[string]any{"echo": p.Payload}); err != nil {
			logger.Warn("echo failed", "user_id", p.From, "err", err)
		}
	})
	events.Subscribe(bus, host.TopicRelay, func(m signaling.Message) {
		logger.Info("relayed message", "payload", m.Payload)
	})

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if _, err := h.Init(startCtx); err != nil {
		return err
	}
	room, err := h.CreateRoom(startCtx)
	if err != nil {
		return err
	}
	logger.Info("room ready", "room_id", room.RoomID)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func runClient(ctx context.Context, cfg config.Peer, logger *slog.Logger, opts []session.Option) error {
	c, err := client.New(cfg.Session, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	bus := c.Bus()
	events.Subscribe(bus, client.TopicServerConnectionEstablished, func(client.ConnectionEstablished) {
		logger.Info("connected to host", "user_id", c.UserID())
		if err := c.Send(map[string]any{"hello": c.UserID()}); err != nil {
			logger.Warn("greeting failed", "err", err)
		}
	})
	events.Subscribe(bus, client.TopicPacket, func(p client.Packet) {
		logger.Info("packet", "payload", p.Payload)
	})
	events.Subscribe(bus, client.TopicDisconnected, func(client.Disconnected) {
		logger.Info("host disconnected")
	})
	events.Subscribe(bus, client.TopicClientListUpdated, func(u client.ClientListUpdated) {
		logger.Info("client list updated", "is_join", u.IsJoin, "clients", u.Clients.Count)
	})

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if _, err := c.Init(startCtx); err != nil {
		return err
	}
	joined, err := c.ConnectToRoom(startCtx, cfg.RoomID)
	if err != nil {
		return err
	}
	logger.Info("joined room", "room_id", joined.RoomID, "socket_id", joined.SocketID, "connected_clients", joined.ConnectedClients)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
