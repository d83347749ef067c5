// Package udp implements the datagram transport over a single UDP socket.
// Delivery modes are best effort; UDP has no reliable variant of its own, so
// callers needing one should configure the quic transport instead.
package udp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

type UDPTransport struct{}

func New() *UDPTransport { return &UDPTransport{} }

func (t *UDPTransport) Kind() transport.Kind { return transport.KindUDP }

func (t *UDPTransport) Open(ctx context.Context, address string) (transport.Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	uc := &udpConn{
		conn:    c,
		rxCh:    make(chan transport.Datagram, 32),
		closeCh: make(chan struct{}),
		raddrs:  make(map[string]*net.UDPAddr),
	}
	go uc.readLoop()
	go func() { <-ctx.Done(); _ = uc.Close() }()
	return uc, nil
}

type udpConn struct {
	conn    *net.UDPConn
	rxCh    chan transport.Datagram
	closeCh chan struct{}
	once    sync.Once

	mu     sync.Mutex
	raddrs map[string]*net.UDPAddr
}

func (c *udpConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *udpConn) Send(addr string, payload []byte, _ transport.Mode) error {
	raddr, err := c.resolve(addr)
	if err != nil {
		return err
	}
	_, err = c.conn.WriteToUDP(payload, raddr)
	return err
}

// resolve caches remote addresses; the peer table churns rarely compared to
// the datagram rate.
func (c *udpConn) resolve(addr string) (*net.UDPAddr, error) {
	c.mu.Lock()
	raddr, ok := c.raddrs[addr]
	c.mu.Unlock()
	if ok {
		return raddr, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.raddrs[addr] = raddr
	c.mu.Unlock()
	return raddr, nil
}

func (c *udpConn) Recv(ctx context.Context) (transport.Datagram, error) {
	select {
	case <-ctx.Done():
		return transport.Datagram{}, ctx.Err()
	case <-c.closeCh:
		return transport.Datagram{}, errors.New("udp conn closed")
	case d := <-c.rxCh:
		return d, nil
	}
}

func (c *udpConn) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		// drop when the inbound queue is full
		select {
		case c.rxCh <- transport.Datagram{Addr: raddr.String(), Payload: pkt}:
		default:
		}
	}
}

func (c *udpConn) Close() error {
	c.once.Do(func() { close(c.closeCh) })
	return c.conn.Close()
}
