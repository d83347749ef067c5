// Package peering implements the per-endpoint protocol layer: channel
// routing, the negotiation handshake, and the peer lifecycle state machine
// driven by the transport loop.
package peering

import (
	"go.uber.org/zap"

	"github.com/mtthwm/lunadev-2025/pkg/oneshot"
	"github.com/mtthwm/lunadev-2025/pkg/protocol"
	"github.com/mtthwm/lunadev-2025/pkg/pubsub"
	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

// Retention is the verdict every state-machine operation returns. Drop is
// terminal: the caller must discard the peer after the call returns and issue
// no further calls on it.
type Retention int

const (
	Drop Retention = iota
	Retain
)

type phase int

const (
	// phaseConnecting is the client-only initial phase, entered after the
	// connection request went out but before the server answered.
	phaseConnecting phase = iota
	phaseAwaitingNegotiation
	phaseConnected
)

type awaitingKind int

const (
	// serverNegotiation: waiting for local application code to finish
	// building the channel mapping.
	serverNegotiation awaitingKind = iota
	// serverAwaitNegotiateResponse: mapping sent to the client; waiting for
	// its Negotiate echo before unlocking routing.
	serverAwaitNegotiateResponse
	// clientNegotiation: waiting for local application code to supply the
	// mapping; the client replies and connects without further confirmation.
	clientNegotiation
)

// PeerStateMachine tracks one remote endpoint through its connection phases.
// Each instance is owned by a single transport loop; no call on it may run
// concurrently with another.
type PeerStateMachine struct {
	addr       string
	bufferSize int
	phase      phase

	// Connecting
	peerSender *oneshot.Sender[*NetworkPeer]

	// AwaitingNegotiation and Connected
	packetsSub *pubsub.Subscriber[Outbound]

	// AwaitingNegotiation
	reqKind         awaitingKind
	negotiationRecv *oneshot.Receiver[Router]
	clientEcho      *oneshot.Sender[struct{}]

	// Connected
	router Router
}

// NewConnecting creates a client-side machine right after the connection
// request has been sent. The fully-built peer handle is published through
// peerSender once the server answers with Negotiate.
func NewConnecting(addr string, bufferSize int, peerSender *oneshot.Sender[*NetworkPeer]) *PeerStateMachine {
	return &PeerStateMachine{
		addr:       addr,
		bufferSize: bufferSize,
		phase:      phaseConnecting,
		peerSender: peerSender,
	}
}

// NewServerPeer creates a server-side machine on first contact from addr.
// The returned handle goes to application code, which must resolve the
// negotiation through it; the echo receiver resolves once the client has
// confirmed the handshake.
func NewServerPeer(addr string, bufferSize int) (*PeerStateMachine, *NetworkPeer, *oneshot.Receiver[struct{}]) {
	negotiationSender, negotiationRecv := oneshot.New[Router]()
	echoSender, echoRecv := oneshot.New[struct{}]()
	sub := pubsub.NewSubscriber[Outbound](bufferSize)
	peer := &NetworkPeer{
		RemoteAddr: addr,
		role:       ServerSide,
		outbound:   sub.CreateSubscription(),
		negotiated: negotiationSender,
	}
	m := &PeerStateMachine{
		addr:            addr,
		bufferSize:      bufferSize,
		phase:           phaseAwaitingNegotiation,
		packetsSub:      sub,
		reqKind:         serverNegotiation,
		negotiationRecv: negotiationRecv,
		clientEcho:      echoSender,
	}
	return m, peer, echoRecv
}

// Phase names the current phase for diagnostics.
func (m *PeerStateMachine) Phase() string {
	switch m.phase {
	case phaseConnecting:
		return "connecting"
	case phaseAwaitingNegotiation:
		switch m.reqKind {
		case serverNegotiation:
			return "server-negotiation"
		case serverAwaitNegotiateResponse:
			return "server-await-response"
		default:
			return "client-negotiation"
		}
	default:
		return "connected"
	}
}

// ProvideData consumes one inbound datagram and advances the machine.
func (m *PeerStateMachine) ProvideData(datagram []byte) Retention {
	payload, ch, err := protocol.SplitFrame(datagram)
	if err != nil {
		zap.L().Error("empty datagram", zap.String("addr", m.addr))
		return Retain
	}

	if ch != protocol.ControlChannel {
		if m.phase == phaseConnected {
			m.router.Route(ch, payload, m.addr)
			return Retain
		}
		zap.L().Warn("application data before negotiation completed",
			zap.String("addr", m.addr), zap.Uint8("channel", uint8(ch)))
		return Retain
	}

	msg, err := protocol.DecodeControl(payload)
	if err != nil {
		zap.L().Error("failed to parse control message",
			zap.String("addr", m.addr), zap.Error(err))
		return Retain
	}

	switch m.phase {
	case phaseConnecting:
		return m.controlWhileConnecting(msg)
	case phaseAwaitingNegotiation:
		return m.controlWhileAwaiting(msg)
	default:
		if msg == protocol.Disconnect {
			return Drop
		}
		zap.L().Error("unexpected control message while connected",
			zap.String("addr", m.addr), zap.Stringer("msg", msg))
		return Retain
	}
}

func (m *PeerStateMachine) controlWhileConnecting(msg protocol.ControlMessage) Retention {
	switch msg {
	case protocol.Disconnect:
		return Drop

	case protocol.Negotiate:
		negotiationSender, negotiationRecv := oneshot.New[Router]()
		sub := pubsub.NewSubscriber[Outbound](m.bufferSize)
		peer := &NetworkPeer{
			RemoteAddr: m.addr,
			role:       ClientSide,
			outbound:   sub.CreateSubscription(),
			negotiated: negotiationSender,
		}
		sender := m.peerSender
		m.peerSender = nil
		m.phase = phaseAwaitingNegotiation
		m.packetsSub = sub
		m.reqKind = clientNegotiation
		m.negotiationRecv = negotiationRecv
		m.clientEcho = nil
		if sender.Send(peer) != nil {
			// nobody is waiting for the handle anymore
			return Drop
		}
		return Retain

	default: // Ack
		if m.peerSender.Closed() {
			return Drop
		}
		return Retain
	}
}

func (m *PeerStateMachine) controlWhileAwaiting(msg protocol.ControlMessage) Retention {
	switch msg {
	case protocol.Disconnect:
		return Drop

	case protocol.Negotiate:
		if m.reqKind != serverAwaitNegotiateResponse {
			zap.L().Warn("unexpected Negotiate", zap.String("addr", m.addr))
			return Retain
		}
		echo := m.clientEcho
		m.clientEcho = nil
		if echo.Send(struct{}{}) != nil {
			return Drop
		}
		m.phase = phaseConnected
		return Retain

	default: // Ack
		if m.reqKind == serverAwaitNegotiateResponse && m.clientEcho.Closed() {
			return Drop
		}
		return Retain
	}
}

// Poll flushes pending outbound work and checks liveness. The transport loop
// calls it on a fixed interval, independent of inbound datagrams; it never
// blocks on the one-shot receives.
func (m *PeerStateMachine) Poll(conn transport.Conn) Retention {
	switch m.phase {
	case phaseConnecting:
		if m.peerSender.Closed() {
			return Drop
		}
		return Retain

	case phaseAwaitingNegotiation:
		switch m.reqKind {
		case serverNegotiation:
			router, err := m.negotiationRecv.TryRecv()
			if err == oneshot.ErrEmpty {
				return Retain
			}
			if err != nil {
				// application abandoned the negotiation
				return Drop
			}
			m.sendNegotiate(conn)
			m.router = router
			m.reqKind = serverAwaitNegotiateResponse
			m.negotiationRecv = nil
			return Retain

		case serverAwaitNegotiateResponse:
			// Guards against double handling: the Negotiate-received path
			// consumes the echo channel when it completes the transition.
			if m.clientEcho.Closed() {
				return Drop
			}
			return Retain

		default: // clientNegotiation
			router, err := m.negotiationRecv.TryRecv()
			if err == oneshot.ErrEmpty {
				return Retain
			}
			if err != nil {
				return Drop
			}
			m.sendNegotiate(conn)
			m.phase = phaseConnected
			m.router = router
			m.negotiationRecv = nil
			return Retain
		}

	default: // phaseConnected
		for {
			out, ok := m.packetsSub.TryRecv()
			if !ok {
				break
			}
			if err := conn.Send(m.addr, out.Payload, out.Mode); err != nil {
				zap.L().Error("failed to send datagram",
					zap.String("addr", m.addr), zap.Error(err))
			}
		}
		if len(m.router) == 0 && m.packetsSub.PubCount() == 0 {
			// nothing left to do in either direction
			return Drop
		}
		return Retain
	}
}

// Discard releases the machine's ends of every shared handle after a Drop
// verdict, so application code holding the counterparts observes the
// teardown: a pending Connect fails, Negotiate errors, and queued sends are
// rejected. The caller must not touch the machine afterwards.
func (m *PeerStateMachine) Discard() {
	if m.peerSender != nil {
		m.peerSender.Close()
		m.peerSender = nil
	}
	if m.negotiationRecv != nil {
		m.negotiationRecv.Close()
		m.negotiationRecv = nil
	}
	if m.clientEcho != nil {
		m.clientEcho.Close()
		m.clientEcho = nil
	}
	if m.packetsSub != nil {
		m.packetsSub.Close()
	}
	if m.router != nil {
		m.router.Release()
		m.router = nil
	}
}

func (m *PeerStateMachine) sendNegotiate(conn transport.Conn) {
	payload, err := protocol.EncodeControl(protocol.Negotiate)
	if err != nil {
		zap.L().Error("failed to encode Negotiate", zap.Error(err))
		return
	}
	frame := protocol.AppendChannel(payload, protocol.ControlChannel)
	if err := conn.Send(m.addr, frame, transport.ModeReliable); err != nil {
		zap.L().Error("failed to send Negotiate",
			zap.String("addr", m.addr), zap.Error(err))
	}
}
