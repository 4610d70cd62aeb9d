package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// ErrUnavailable is returned when no negotiation capability can be built.
var ErrUnavailable = errors.New("webrtc negotiation capability unavailable")

type PortRange struct {
	Min uint16
	Max uint16
}

// APIConfig tunes the pion API shared by every peer connection a session
// creates.
type APIConfig struct {
	// Logger receives pion's internal logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Net replaces the OS network, e.g. with a pion/transport vnet.Net.
	Net transport.Net

	PortRange *PortRange
	ListenIP  net.IP
}

func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	se.LoggerFactory = NewSlogLoggerFactory(cfg.Logger)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api, nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg APIConfig) error {
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	if cfg.PortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// SettingEngine doesn't expose a bind address; restrict gathering instead.
	if cfg.ListenIP != nil && !cfg.ListenIP.IsUnspecified() {
		listenIP := cfg.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

// Factory creates Negotiators.
type Factory interface {
	NewNegotiator(iceServers []webrtc.ICEServer) (Negotiator, error)
}

// PionFactory builds pion-backed Negotiators from a shared API.
type PionFactory struct {
	API *webrtc.API
}

func NewPionFactory(cfg APIConfig) (*PionFactory, error) {
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &PionFactory{API: api}, nil
}

func (f *PionFactory) NewNegotiator(iceServers []webrtc.ICEServer) (Negotiator, error) {
	api := f.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &pionNegotiator{pc: pc}, nil
}
