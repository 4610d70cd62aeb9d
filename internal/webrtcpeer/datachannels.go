package webrtcpeer

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// HostLabelPrefix starts the label of every data channel a host opens.
const HostLabelPrefix = "host-"

// ReliableDataChannelInit configures an ordered, fully reliable channel.
// Application messages are JSON documents and must arrive whole and in order.
func ReliableDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{Ordered: &ordered}
}

// ValidateHostDataChannel checks a channel announced by a remote host.
func ValidateHostDataChannel(dc DataChannel) error {
	if !strings.HasPrefix(dc.Label(), HostLabelPrefix) {
		return fmt.Errorf("expected label with prefix %q (got %q)", HostLabelPrefix, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}
