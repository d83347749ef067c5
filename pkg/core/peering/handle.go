package peering

import (
	"github.com/mtthwm/lunadev-2025/pkg/oneshot"
	"github.com/mtthwm/lunadev-2025/pkg/protocol"
	"github.com/mtthwm/lunadev-2025/pkg/pubsub"
	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

// Role marks which side of the handshake constructed a peer handle.
type Role int

const (
	ClientSide Role = iota
	ServerSide
)

func (r Role) String() string {
	if r == ClientSide {
		return "client"
	}
	return "server"
}

// Outbound is one application datagram queued for transmission, already
// framed with its trailing channel byte.
type Outbound struct {
	Payload []byte
	Mode    transport.Mode
}

// NetworkPeer is the handle surfaced to application code for one remote
// endpoint. The application must register its channel mapping through
// Negotiate before any application data can flow; until then the handle only
// buffers outbound datagrams.
type NetworkPeer struct {
	RemoteAddr string

	role       Role
	outbound   *pubsub.Subscription[Outbound]
	negotiated *oneshot.Sender[Router]
}

func (p *NetworkPeer) Role() Role { return p.role }

// Send queues one datagram for the given channel. Channel 0 is reserved and
// rejected. Returns false once the handle has been closed.
func (p *NetworkPeer) Send(ch protocol.ChannelID, payload []byte, mode transport.Mode) bool {
	if ch == protocol.ControlChannel {
		return false
	}
	return p.outbound.Push(Outbound{
		Payload: protocol.AppendChannel(payload, ch),
		Mode:    mode,
	})
}

// Negotiate delivers the finished channel mapping to the protocol layer.
// It may succeed exactly once; ownership of the router transfers fully.
func (p *NetworkPeer) Negotiate(r Router) error {
	return p.negotiated.Send(r)
}

// Abort abandons the peer without negotiating. The state machine observes it
// on its next poll and discards the peer.
func (p *NetworkPeer) Abort() {
	p.negotiated.Close()
	p.outbound.Close()
}

// Close releases the outbound producer handle. Once the channel mapping has
// also emptied out, the peer is reaped on a subsequent poll.
func (p *NetworkPeer) Close() {
	p.outbound.Close()
}
