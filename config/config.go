package config

import (
	"github.com/plajjan/vbgp/packet"
)

// Peer holds the local settings of one BGP session
type Peer struct {
	LocalAS      uint16
	RouterID     uint32
	HoldTime     uint16
	Capabilities []packet.Capability
}
