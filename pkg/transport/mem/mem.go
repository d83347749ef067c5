// Package mem is an in-process datagram transport used by tests and as a
// stand-in for shared memory links between co-located processes.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

// Network is a registry of endpoints addressable by name. All endpoints that
// should reach each other must be opened on the same Network.
type Network struct {
	mu    sync.Mutex
	conns map[string]*conn
	seq   int
}

func NewNetwork() *Network { return &Network{conns: make(map[string]*conn)} }

func (n *Network) Kind() transport.Kind { return transport.KindMem }

func (n *Network) Open(ctx context.Context, name string) (transport.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name == "" {
		n.seq++
		name = fmt.Sprintf("mem-%d", n.seq)
	}
	if _, ok := n.conns[name]; ok {
		return nil, errors.New("mem: endpoint already exists: " + name)
	}
	c := &conn{
		net:     n,
		name:    name,
		rxCh:    make(chan transport.Datagram, 64),
		closeCh: make(chan struct{}),
	}
	n.conns[name] = c
	go func() { <-ctx.Done(); _ = c.Close() }()
	return c, nil
}

func (n *Network) lookup(name string) *conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[name]
}

func (n *Network) remove(name string) {
	n.mu.Lock()
	delete(n.conns, name)
	n.mu.Unlock()
}

type conn struct {
	net     *Network
	name    string
	rxCh    chan transport.Datagram
	closeCh chan struct{}
	once    sync.Once
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

func (c *conn) LocalAddr() net.Addr { return memAddr(c.name) }

func (c *conn) Send(addr string, payload []byte, _ transport.Mode) error {
	dst := c.net.lookup(addr)
	if dst == nil {
		return errors.New("mem: no such endpoint: " + addr)
	}
	pkt := make([]byte, len(payload))
	copy(pkt, payload)
	select {
	case dst.rxCh <- transport.Datagram{Addr: c.name, Payload: pkt}:
		return nil
	case <-dst.closeCh:
		return errors.New("mem: endpoint closed: " + addr)
	default:
		// queue full: datagram transports drop
		return nil
	}
}

func (c *conn) Recv(ctx context.Context) (transport.Datagram, error) {
	select {
	case <-ctx.Done():
		return transport.Datagram{}, ctx.Err()
	case <-c.closeCh:
		return transport.Datagram{}, errors.New("mem: conn closed")
	case d := <-c.rxCh:
		return d, nil
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.closeCh)
		c.net.remove(c.name)
	})
	return nil
}
