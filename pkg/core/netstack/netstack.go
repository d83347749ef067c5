// Package netstack drives the per-peer state machines: it owns the datagram
// endpoint, demultiplexes inbound traffic by remote address, polls every peer
// on a fixed interval, and reaps peers whose machines return a Drop verdict.
package netstack

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mtthwm/lunadev-2025/pkg/core/peering"
	"github.com/mtthwm/lunadev-2025/pkg/oneshot"
	"github.com/mtthwm/lunadev-2025/pkg/peers"
	"github.com/mtthwm/lunadev-2025/pkg/protocol"
	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

// Options tunes the transport loop.
type Options struct {
	// PeerBufferSize bounds each peer's inbound/outbound buffers.
	PeerBufferSize int
	// PollInterval is the fixed period between poll sweeps.
	PollInterval time.Duration
	// AcceptBacklog bounds peers waiting in Accept. First contacts beyond it
	// are refused.
	AcceptBacklog int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PeerBufferSize <= 0 {
		out.PeerBufferSize = 8
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 50 * time.Millisecond
	}
	if out.AcceptBacklog <= 0 {
		out.AcceptBacklog = 8
	}
	return out
}

// ErrPeerExists reports a Connect to an address that already has a peer.
var ErrPeerExists = errors.New("netstack: peer already exists for address")

// ErrPeerDropped reports that the peer was torn down before the handshake
// finished.
var ErrPeerDropped = errors.New("netstack: peer dropped during handshake")

type entry struct {
	machine *peering.PeerStateMachine
	// echoRx must stay reachable for the lifetime of a server-side peer:
	// the machine treats a vanished echo receiver as "handshake moot".
	echoRx *oneshot.Receiver[struct{}]
}

// Netstack multiplexes peers over one datagram endpoint. All state machine
// calls happen on the Run goroutine, giving each peer a single writer.
type Netstack struct {
	conn  transport.Conn
	store *peers.Store
	opts  Options

	machines map[string]*entry
	cmdCh    chan func()
	acceptCh chan *peering.NetworkPeer
}

// New wraps a bound endpoint. The store may be nil.
func New(conn transport.Conn, store *peers.Store, opts Options) *Netstack {
	o := opts.withDefaults()
	return &Netstack{
		conn:     conn,
		store:    store,
		opts:     o,
		machines: make(map[string]*entry),
		cmdCh:    make(chan func()),
		acceptCh: make(chan *peering.NetworkPeer, o.AcceptBacklog),
	}
}

// Run services the endpoint until ctx is done. It owns every peer state
// machine; nothing else may call into them.
func (n *Netstack) Run(ctx context.Context) error {
	rxCh := make(chan transport.Datagram, 32)
	go n.pump(ctx, rxCh)

	ticker := time.NewTicker(n.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for addr := range n.machines {
				n.remove(addr)
			}
			return ctx.Err()
		case fn := <-n.cmdCh:
			fn()
		case d := <-rxCh:
			n.handleDatagram(d)
		case <-ticker.C:
			n.pollAll()
		}
	}
}

func (n *Netstack) pump(ctx context.Context, rxCh chan<- transport.Datagram) {
	for {
		d, err := n.conn.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case rxCh <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Netstack) handleDatagram(d transport.Datagram) {
	e, ok := n.machines[d.Addr]
	if !ok {
		// first contact: the remote is a client dialing us
		machine, peer, echoRx := peering.NewServerPeer(d.Addr, n.opts.PeerBufferSize)
		select {
		case n.acceptCh <- peer:
		default:
			zap.L().Warn("accept backlog full, refusing peer", zap.String("addr", d.Addr))
			machine.Discard()
			return
		}
		e = &entry{machine: machine, echoRx: echoRx}
		n.machines[d.Addr] = e
		zap.L().Info("first contact", zap.String("addr", d.Addr))
	}

	if n.store != nil {
		n.store.Touch(d.Addr, time.Now())
		n.store.RecordExchange(d.Addr, uint64(len(d.Payload)), 0, 1, 0)
	}

	if e.machine.ProvideData(d.Payload) == peering.Drop {
		n.remove(d.Addr)
		return
	}
	n.notePhase(d.Addr, e.machine)
}

func (n *Netstack) pollAll() {
	for addr, e := range n.machines {
		if e.machine.Poll(n.conn) == peering.Drop {
			n.remove(addr)
			continue
		}
		n.notePhase(addr, e.machine)
	}
}

func (n *Netstack) remove(addr string) {
	e, ok := n.machines[addr]
	if !ok {
		return
	}
	delete(n.machines, addr)
	e.machine.Discard()
	if e.echoRx != nil {
		e.echoRx.Close()
	}
	if n.store != nil {
		n.store.Remove(addr)
	}
	zap.L().Info("peer dropped", zap.String("addr", addr))
}

func (n *Netstack) touch(addr string) {
	if n.store != nil {
		n.store.Touch(addr, time.Now())
	}
}

func (n *Netstack) notePhase(addr string, m *peering.PeerStateMachine) {
	if n.store != nil {
		n.store.SetPhase(addr, m.Phase())
	}
}

// Accept returns the next peer handle created by an inbound first contact.
// The caller must resolve the handle's negotiation (or Abort it).
func (n *Netstack) Accept(ctx context.Context) (*peering.NetworkPeer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-n.acceptCh:
		return p, nil
	}
}

// do runs fn on the Run goroutine, preserving the single-writer discipline
// on the peer table. Run must be active.
func (n *Netstack) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case n.cmdCh <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect initiates the handshake with addr and blocks until the server's
// Negotiate produces a peer handle, the peer is dropped, or ctx is done.
// Cancelling ctx abandons the handle receiver; the pending peer is reaped on
// a subsequent poll.
func (n *Netstack) Connect(ctx context.Context, addr string) (*peering.NetworkPeer, error) {
	handleTx, handleRx := oneshot.New[*peering.NetworkPeer]()
	machine := peering.NewConnecting(addr, n.opts.PeerBufferSize, handleTx)

	var installErr error
	err := n.do(ctx, func() {
		if _, ok := n.machines[addr]; ok {
			installErr = ErrPeerExists
			return
		}
		n.machines[addr] = &entry{machine: machine}
		n.touch(addr)
	})
	if err != nil {
		return nil, err
	}
	if installErr != nil {
		return nil, installErr
	}

	// connection probe; the server creates its peer on first contact
	if err := n.sendControl(addr, protocol.Ack); err != nil {
		zap.L().Error("failed to send connection probe",
			zap.String("addr", addr), zap.Error(err))
	}

	peer, err := handleRx.Recv(ctx)
	if err != nil {
		abandonHandle(handleRx)
		if errors.Is(err, oneshot.ErrClosed) {
			return nil, ErrPeerDropped
		}
		return nil, err
	}
	return peer, nil
}

// abandonHandle tears down a pending connect after an error. The server's
// Negotiate may have published the handle in the same instant the context
// fired; a published handle must be aborted, not merely dropped, or the
// machine would wait on its negotiation forever.
func abandonHandle(rx *oneshot.Receiver[*peering.NetworkPeer]) {
	if p, err := rx.TryRecv(); err == nil {
		p.Abort()
	}
	rx.Close()
}

// Disconnect tells addr to tear the relationship down and forgets the local
// peer. Safe to call for unknown addresses.
func (n *Netstack) Disconnect(ctx context.Context, addr string) error {
	err := n.sendControl(addr, protocol.Disconnect)
	if derr := n.do(ctx, func() { n.remove(addr) }); derr != nil {
		return derr
	}
	return err
}

// PeerAddrs snapshots the addresses currently in the peer table.
func (n *Netstack) PeerAddrs(ctx context.Context) ([]string, error) {
	var out []string
	err := n.do(ctx, func() {
		for addr := range n.machines {
			out = append(out, addr)
		}
	})
	return out, err
}

func (n *Netstack) sendControl(addr string, msg protocol.ControlMessage) error {
	payload, err := protocol.EncodeControl(msg)
	if err != nil {
		return err
	}
	frame := protocol.AppendChannel(payload, protocol.ControlChannel)
	if n.store != nil {
		n.store.RecordExchange(addr, 0, uint64(len(frame)), 0, 1)
	}
	return n.conn.Send(addr, frame, transport.ModeReliable)
}
