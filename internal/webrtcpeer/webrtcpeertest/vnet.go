package webrtcpeertest

import (
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
)

// VNet is a two-host virtual network. A and B get static addresses on the
// same router, so peers using them connect with host candidates only.
type VNet struct {
	Router *vnet.Router
	A      *vnet.Net
	B      *vnet.Net
}

const (
	vnetCIDR = "10.0.0.0/24"
	VNetIPA  = "10.0.0.1"
	VNetIPB  = "10.0.0.2"
)

// NewVNet starts a router and stops it when the test finishes.
func NewVNet(tb testing.TB) *VNet {
	tb.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          vnetCIDR,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		tb.Fatalf("new router: %v", err)
	}
	tb.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{VNetIPA}})
	if err != nil {
		tb.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{VNetIPB}})
	if err != nil {
		tb.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		tb.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		tb.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		tb.Fatalf("start router: %v", err)
	}

	return &VNet{Router: router, A: netA, B: netB}
}
