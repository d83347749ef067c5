package netstack

import (
	"fmt"
	"sync"

	"github.com/mtthwm/lunadev-2025/pkg/transport"
	"github.com/mtthwm/lunadev-2025/pkg/transport/mem"
	"github.com/mtthwm/lunadev-2025/pkg/transport/quic"
	"github.com/mtthwm/lunadev-2025/pkg/transport/udp"
)

var (
	memNetOnce sync.Once
	memNet     *mem.Network
)

// NewByKind constructs a Transport for the given kind string (udp, quic or
// mem). All mem transports in a process share one in-memory network so that
// two endpoints opened by name can reach each other.
func NewByKind(kind string) (transport.Transport, error) {
	switch kind {
	case "udp":
		return udp.New(), nil
	case "quic":
		return quic.New()
	case "mem":
		memNetOnce.Do(func() { memNet = mem.NewNetwork() })
		return memNet, nil
	default:
		return nil, fmt.Errorf("netstack: unknown transport kind %q", kind)
	}
}
