// Package transport abstracts the unreliable-datagram links carrying peer
// traffic. A Conn is address-addressed and offers no delivery guarantee;
// individual sends may request the most reliable mode the link supports.
package transport

import (
	"context"
	"net"
)

// Kind identifies the link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindUDP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Mode requests a delivery mode for a single send. Links that cannot honor a
// mode degrade to best effort; none of them may block the caller on delivery.
type Mode int

const (
	// ModeUnreliable is fire-and-forget.
	ModeUnreliable Mode = iota
	// ModeSequenced is unreliable but drops datagrams arriving out of order.
	ModeSequenced
	// ModeReliable uses the most reliable/ordered mechanism the link offers.
	// Control messages are sent in this mode.
	ModeReliable
)

// Datagram is one received payload together with its source address.
type Datagram struct {
	Addr    string
	Payload []byte
}

// Conn is a bound datagram endpoint. One goroutine is expected to call Recv;
// Send is safe for concurrent use.
type Conn interface {
	// Send transmits one datagram to the given remote address.
	Send(addr string, payload []byte, mode Mode) error
	// Recv blocks until the next inbound datagram or ctx is done.
	Recv(ctx context.Context) (Datagram, error)
	LocalAddr() net.Addr
	Close() error
}

// Transport opens bound endpoints for a specific link kind.
type Transport interface {
	Kind() Kind
	// Open binds a local endpoint. listenAddr format is transport-specific.
	Open(ctx context.Context, listenAddr string) (Conn, error)
}
