package peering

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/mtthwm/lunadev-2025/pkg/oneshot"
	"github.com/mtthwm/lunadev-2025/pkg/protocol"
	"github.com/mtthwm/lunadev-2025/pkg/pubsub"
	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

type sent struct {
	addr    string
	payload []byte
	mode    transport.Mode
}

type fakeConn struct {
	mu       sync.Mutex
	sent     []sent
	failSend bool
}

func (c *fakeConn) Send(addr string, payload []byte, mode transport.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("link down")
	}
	c.sent = append(c.sent, sent{addr: addr, payload: payload, mode: mode})
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) (transport.Datagram, error) {
	<-ctx.Done()
	return transport.Datagram{}, ctx.Err()
}

func (c *fakeConn) LocalAddr() net.Addr { return nil }
func (c *fakeConn) Close() error        { return nil }

func (c *fakeConn) take() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func controlFrame(t *testing.T, msg protocol.ControlMessage) []byte {
	t.Helper()
	payload, err := protocol.EncodeControl(msg)
	if err != nil {
		t.Fatalf("encode %v: %v", msg, err)
	}
	return protocol.AppendChannel(payload, protocol.ControlChannel)
}

func expectNegotiateSent(t *testing.T, conn *fakeConn) {
	t.Helper()
	frames := conn.take()
	if len(frames) != 1 {
		t.Fatalf("expected one control frame, got %d", len(frames))
	}
	if frames[0].mode != transport.ModeReliable {
		t.Fatalf("control messages ride the reliable mode, got %v", frames[0].mode)
	}
	payload, ch, err := protocol.SplitFrame(frames[0].payload)
	if err != nil || ch != protocol.ControlChannel {
		t.Fatalf("control frame malformed: ch=%d err=%v", ch, err)
	}
	msg, err := protocol.DecodeControl(payload)
	if err != nil || msg != protocol.Negotiate {
		t.Fatalf("expected Negotiate, got %v err=%v", msg, err)
	}
}

func TestClientHandshake(t *testing.T) {
	conn := &fakeConn{}
	handleTx, handleRx := oneshot.New[*NetworkPeer]()
	m := NewConnecting("base:1", 8, handleTx)

	if m.Poll(conn) != Retain {
		t.Fatalf("connecting peer with waiting application must be retained")
	}

	// server answers with Negotiate: handle is published, client negotiates
	if m.ProvideData(controlFrame(t, protocol.Negotiate)) != Retain {
		t.Fatalf("expected Retain on Negotiate")
	}
	peer, err := handleRx.TryRecv()
	if err != nil {
		t.Fatalf("handle not published: %v", err)
	}
	if peer.Role() != ClientSide || peer.RemoteAddr != "base:1" {
		t.Fatalf("handle mismatch: role=%v addr=%s", peer.Role(), peer.RemoteAddr)
	}
	if m.Phase() != "client-negotiation" {
		t.Fatalf("phase = %s", m.Phase())
	}

	// mapping not supplied yet: nothing happens
	if m.Poll(conn) != Retain {
		t.Fatalf("expected Retain while mapping pending")
	}
	if len(conn.take()) != 0 {
		t.Fatalf("nothing should be sent before the mapping arrives")
	}

	// application supplies the mapping: client replies and connects at once
	appSub := pubsub.NewSubscriber[[]byte](4)
	if err := peer.Negotiate(Router{1: SubscriberSink(appSub)}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if m.Poll(conn) != Retain {
		t.Fatalf("expected Retain after negotiation")
	}
	expectNegotiateSent(t, conn)
	if m.Phase() != "connected" {
		t.Fatalf("client must connect immediately, phase = %s", m.Phase())
	}

	// inbound data on channel 1 reaches the registered sink
	if m.ProvideData(protocol.AppendChannel([]byte("pong"), 1)) != Retain {
		t.Fatalf("expected Retain on data")
	}
	v, ok := appSub.TryRecv()
	if !ok || string(v) != "pong" {
		t.Fatalf("sink delivery mismatch: %q ok=%v", v, ok)
	}
}

func TestServerHandshake(t *testing.T) {
	conn := &fakeConn{}
	m, peer, echoRx := NewServerPeer("rover:1", 8)
	if peer.Role() != ServerSide {
		t.Fatalf("expected server-side handle")
	}
	if m.Phase() != "server-negotiation" {
		t.Fatalf("phase = %s", m.Phase())
	}

	// application has not built the mapping yet
	if m.Poll(conn) != Retain {
		t.Fatalf("expected Retain while application negotiates")
	}

	// a premature Negotiate from the client is tolerated, no transition
	if m.ProvideData(controlFrame(t, protocol.Negotiate)) != Retain {
		t.Fatalf("unexpected Negotiate must be retained")
	}
	if m.Phase() != "server-negotiation" {
		t.Fatalf("premature Negotiate must not transition, phase = %s", m.Phase())
	}

	// application supplies the mapping: server sends Negotiate and waits
	appSub := pubsub.NewSubscriber[[]byte](4)
	if err := peer.Negotiate(Router{1: SubscriberSink(appSub)}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if m.Poll(conn) != Retain {
		t.Fatalf("expected Retain after mapping arrived")
	}
	expectNegotiateSent(t, conn)
	if m.Phase() != "server-await-response" {
		t.Fatalf("phase = %s", m.Phase())
	}

	// routing is locked until the client echoes
	if m.ProvideData(protocol.AppendChannel([]byte("early"), 1)) != Retain {
		t.Fatalf("expected Retain")
	}
	if _, ok := appSub.TryRecv(); ok {
		t.Fatalf("no data may be routed before the client's echo")
	}

	// client echoes Negotiate: connected
	if m.ProvideData(controlFrame(t, protocol.Negotiate)) != Retain {
		t.Fatalf("expected Retain on echo")
	}
	if m.Phase() != "connected" {
		t.Fatalf("phase = %s", m.Phase())
	}
	if _, err := echoRx.TryRecv(); err != nil {
		t.Fatalf("echo signal not delivered: %v", err)
	}

	if m.ProvideData(protocol.AppendChannel([]byte("data"), 1)) != Retain {
		t.Fatalf("expected Retain on data")
	}
	v, ok := appSub.TryRecv()
	if !ok || string(v) != "data" {
		t.Fatalf("sink delivery mismatch: %q ok=%v", v, ok)
	}
}

func TestDisconnectDropsInEveryPhase(t *testing.T) {
	conn := &fakeConn{}

	// Connecting
	tx, rx := oneshot.New[*NetworkPeer]()
	m := NewConnecting("a", 4, tx)
	if m.ProvideData(controlFrame(t, protocol.Disconnect)) != Drop {
		t.Fatalf("Connecting: expected Drop")
	}
	_ = rx

	// AwaitingNegotiation (server)
	m, _, _ = NewServerPeer("a", 4)
	if m.ProvideData(controlFrame(t, protocol.Disconnect)) != Drop {
		t.Fatalf("AwaitingNegotiation: expected Drop")
	}

	// Connected
	m, peer, _ := NewServerPeer("a", 4)
	if err := peer.Negotiate(Router{}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	m.Poll(conn)
	m.ProvideData(controlFrame(t, protocol.Negotiate))
	if m.Phase() != "connected" {
		t.Fatalf("setup failed, phase = %s", m.Phase())
	}
	if m.ProvideData(controlFrame(t, protocol.Disconnect)) != Drop {
		t.Fatalf("Connected: expected Drop")
	}
}

func TestNegotiationAbandonedDropsOnPoll(t *testing.T) {
	conn := &fakeConn{}

	// server side: application aborts instead of negotiating
	m, peer, _ := NewServerPeer("a", 4)
	peer.Abort()
	if m.Poll(conn) != Drop {
		t.Fatalf("expected Drop after abandoned negotiation")
	}

	// client side
	handleTx, handleRx := oneshot.New[*NetworkPeer]()
	m = NewConnecting("a", 4, handleTx)
	m.ProvideData(controlFrame(t, protocol.Negotiate))
	clientPeer, err := handleRx.TryRecv()
	if err != nil {
		t.Fatalf("handle not published: %v", err)
	}
	clientPeer.Abort()
	if m.Poll(conn) != Drop {
		t.Fatalf("expected Drop after abandoned client negotiation")
	}
}

func TestConnectingDropsWhenApplicationGaveUp(t *testing.T) {
	conn := &fakeConn{}
	tx, rx := oneshot.New[*NetworkPeer]()
	m := NewConnecting("a", 4, tx)

	// Ack keeps the peer while somebody still waits for the handle
	if m.ProvideData(controlFrame(t, protocol.Ack)) != Retain {
		t.Fatalf("Ack with live receiver: expected Retain")
	}

	rx.Close()
	if m.ProvideData(controlFrame(t, protocol.Ack)) != Drop {
		t.Fatalf("Ack with abandoned receiver: expected Drop")
	}

	tx2, rx2 := oneshot.New[*NetworkPeer]()
	m = NewConnecting("a", 4, tx2)
	rx2.Close()
	if m.Poll(conn) != Drop {
		t.Fatalf("poll with abandoned receiver: expected Drop")
	}
}

func TestAckDropsWhenEchoAbandoned(t *testing.T) {
	conn := &fakeConn{}
	m, peer, echoRx := NewServerPeer("a", 4)
	if err := peer.Negotiate(Router{1: &testSink{alive: true}}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if m.Poll(conn) != Retain {
		t.Fatalf("expected Retain after mapping arrived")
	}
	if m.Phase() != "server-await-response" {
		t.Fatalf("setup failed, phase = %s", m.Phase())
	}

	// Ack is a no-op while somebody still waits for the echo
	if m.ProvideData(controlFrame(t, protocol.Ack)) != Retain {
		t.Fatalf("Ack with live echo receiver: expected Retain")
	}

	echoRx.Close()
	if m.ProvideData(controlFrame(t, protocol.Ack)) != Drop {
		t.Fatalf("Ack with abandoned echo receiver: expected Drop")
	}
}

func TestConnectedTeardown(t *testing.T) {
	conn := &fakeConn{}
	m, peer, _ := NewServerPeer("a", 4)
	appSub := pubsub.NewSubscriber[[]byte](4)
	if err := peer.Negotiate(Router{1: SubscriberSink(appSub)}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	m.Poll(conn)
	m.ProvideData(controlFrame(t, protocol.Negotiate))

	// live mapping: retained even after the handle is closed
	peer.Close()
	if m.Poll(conn) != Retain {
		t.Fatalf("expected Retain while the mapping is non-empty")
	}

	// the sink dies; one route attempt removes it, then nothing remains
	appSub.Close()
	m.ProvideData(protocol.AppendChannel([]byte("x"), 1))
	if m.Poll(conn) != Drop {
		t.Fatalf("expected Drop with empty mapping and no producers")
	}
}

func TestOutboundFlush(t *testing.T) {
	conn := &fakeConn{}
	m, peer, _ := NewServerPeer("a", 8)
	if err := peer.Negotiate(Router{1: &testSink{alive: true}}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	m.Poll(conn)
	m.ProvideData(controlFrame(t, protocol.Negotiate))
	conn.take()

	if !peer.Send(2, []byte("hi"), transport.ModeSequenced) {
		t.Fatalf("send failed")
	}
	if peer.Send(protocol.ControlChannel, []byte("nope"), transport.ModeSequenced) {
		t.Fatalf("channel 0 must be rejected")
	}
	if m.Poll(conn) != Retain {
		t.Fatalf("expected Retain")
	}
	frames := conn.take()
	if len(frames) != 1 {
		t.Fatalf("expected one outbound datagram, got %d", len(frames))
	}
	payload, ch, err := protocol.SplitFrame(frames[0].payload)
	if err != nil || ch != 2 || string(payload) != "hi" {
		t.Fatalf("outbound frame mismatch: ch=%d payload=%q err=%v", ch, payload, err)
	}
	if frames[0].mode != transport.ModeSequenced {
		t.Fatalf("mode not preserved: %v", frames[0].mode)
	}

	// send failures are logged and non-fatal
	conn.failSend = true
	peer.Send(2, []byte("lost"), transport.ModeUnreliable)
	if m.Poll(conn) != Retain {
		t.Fatalf("send failure must not drop the peer")
	}
}

func TestMalformedControlRetained(t *testing.T) {
	m, _, _ := NewServerPeer("a", 4)
	bad := protocol.AppendChannel([]byte{0xff, 0xfe, 0xfd}, protocol.ControlChannel)
	if m.ProvideData(bad) != Retain {
		t.Fatalf("malformed control message must be retained")
	}
	if m.ProvideData(nil) != Retain {
		t.Fatalf("empty datagram must be retained")
	}
}

func TestDataBeforeConnectedIsDiscarded(t *testing.T) {
	m, _, _ := NewServerPeer("a", 4)
	if m.ProvideData(protocol.AppendChannel([]byte("x"), 5)) != Retain {
		t.Fatalf("expected Retain")
	}
	if m.Phase() != "server-negotiation" {
		t.Fatalf("phase must not change, got %s", m.Phase())
	}
}

func TestDiscardReleasesHandles(t *testing.T) {
	m, peer, _ := NewServerPeer("a", 4)
	m.Discard()
	if err := peer.Negotiate(Router{}); err == nil {
		t.Fatalf("negotiate after discard should fail")
	}
	if peer.Send(1, []byte("x"), transport.ModeUnreliable) {
		t.Fatalf("send after discard should fail")
	}

	tx, rx := oneshot.New[*NetworkPeer]()
	m = NewConnecting("a", 4, tx)
	m.Discard()
	if _, err := rx.TryRecv(); err != oneshot.ErrClosed {
		t.Fatalf("waiting application must observe the teardown, got %v", err)
	}
}

func TestDiscardReleasesRouterSinks(t *testing.T) {
	conn := &fakeConn{}
	m, peer, _ := NewServerPeer("a", 4)
	appSub := pubsub.NewSubscriber[[]byte](4)
	if err := peer.Negotiate(Router{1: SubscriberSink(appSub)}); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	m.Poll(conn)
	m.ProvideData(controlFrame(t, protocol.Negotiate))
	if appSub.PubCount() != 1 {
		t.Fatalf("pub count = %d, want 1", appSub.PubCount())
	}

	m.Discard()
	if appSub.PubCount() != 0 {
		t.Fatalf("discard must release router sinks, pub count = %d", appSub.PubCount())
	}
}
