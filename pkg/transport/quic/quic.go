// Package quic implements the datagram transport over QUIC. Unreliable sends
// use DATAGRAM frames (RFC 9221); ModeReliable opens one unidirectional
// stream per message, which is the most reliable/ordered mode this link
// offers and is what control messages ride on.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

const alpn = "lunadev"

type QUICTransport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() (*QUICTransport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	qconf := &quicgo.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
	return &QUICTransport{tlsConf: tlsConf, quicConf: qconf}, nil
}

func (t *QUICTransport) Kind() transport.Kind { return transport.KindQUIC }

// Open binds one UDP socket and shares it between the listener and outbound
// dials, so a node speaks from a single address in both roles.
func (t *QUICTransport) Open(ctx context.Context, address string) (transport.Conn, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	qt := &quicgo.Transport{Conn: udpConn}
	ln, err := qt.Listen(t.tlsConf, t.quicConf)
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}
	c := &conn{
		qt:       qt,
		ln:       ln,
		udp:      udpConn,
		quicConf: t.quicConf,
		rxCh:     make(chan transport.Datagram, 64),
		closeCh:  make(chan struct{}),
		peers:    make(map[string]quicgo.Connection),
	}
	go c.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = c.Close() }()
	return c, nil
}

type conn struct {
	qt       *quicgo.Transport
	ln       *quicgo.Listener
	udp      *net.UDPConn
	quicConf *quicgo.Config
	rxCh     chan transport.Datagram
	closeCh  chan struct{}
	once     sync.Once

	mu    sync.Mutex
	peers map[string]quicgo.Connection
}

func (c *conn) LocalAddr() net.Addr { return c.udp.LocalAddr() }

func (c *conn) Send(addr string, payload []byte, mode transport.Mode) error {
	qc, err := c.peer(addr)
	if err != nil {
		return err
	}
	if mode == transport.ModeReliable {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := qc.OpenUniStreamSync(ctx)
		if err != nil {
			return err
		}
		if _, err := st.Write(payload); err != nil {
			_ = st.Close()
			return err
		}
		return st.Close()
	}
	return qc.SendDatagram(payload)
}

// peer returns the connection for addr, dialing on demand. Inbound and
// outbound connections share the table, keyed by remote address.
func (c *conn) peer(addr string) (quicgo.Connection, error) {
	c.mu.Lock()
	qc, ok := c.peers[addr]
	c.mu.Unlock()
	if ok {
		return qc, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // identity is established at the session layer
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	qc, err = c.qt.Dial(ctx, raddr, tlsClient, c.quicConf)
	if err != nil {
		return nil, err
	}
	c.track(addr, qc)
	return qc, nil
}

func (c *conn) track(addr string, qc quicgo.Connection) {
	c.mu.Lock()
	old, ok := c.peers[addr]
	c.peers[addr] = qc
	c.mu.Unlock()
	if ok && old != qc {
		_ = old.CloseWithError(0, "replaced")
	}
	go c.recvDatagrams(addr, qc)
	go c.recvStreams(addr, qc)
}

func (c *conn) acceptLoop(ctx context.Context) {
	for {
		qc, err := c.ln.Accept(ctx)
		if err != nil {
			return
		}
		c.track(qc.RemoteAddr().String(), qc)
	}
}

func (c *conn) recvDatagrams(addr string, qc quicgo.Connection) {
	for {
		pkt, err := qc.ReceiveDatagram(context.Background())
		if err != nil {
			c.forget(addr, qc)
			return
		}
		c.deliver(addr, pkt)
	}
}

func (c *conn) recvStreams(addr string, qc quicgo.Connection) {
	for {
		st, err := qc.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go func() {
			pkt, err := io.ReadAll(st)
			if err != nil {
				return
			}
			c.deliver(addr, pkt)
		}()
	}
}

func (c *conn) deliver(addr string, pkt []byte) {
	select {
	case c.rxCh <- transport.Datagram{Addr: addr, Payload: pkt}:
	case <-c.closeCh:
	default:
	}
}

func (c *conn) forget(addr string, qc quicgo.Connection) {
	c.mu.Lock()
	if c.peers[addr] == qc {
		delete(c.peers, addr)
	}
	c.mu.Unlock()
}

func (c *conn) Recv(ctx context.Context) (transport.Datagram, error) {
	select {
	case <-ctx.Done():
		return transport.Datagram{}, ctx.Err()
	case <-c.closeCh:
		return transport.Datagram{}, errors.New("quic conn closed")
	case d := <-c.rxCh:
		return d, nil
	}
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closeCh)
		c.mu.Lock()
		for _, qc := range c.peers {
			_ = qc.CloseWithError(0, "shutdown")
		}
		c.peers = make(map[string]quicgo.Connection)
		c.mu.Unlock()
		err = c.ln.Close()
		_ = c.qt.Close()
		_ = c.udp.Close()
	})
	return err
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "lunadev"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
