package udp

import (
	"context"
	"testing"
	"time"
)

func TestLoopbackSendRecv(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := New()
	a, err := tr.Open(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := tr.Open(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if err := a.Send(b.LocalAddr().String(), []byte("hello"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	d, err := b.Recv(rctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(d.Payload) != "hello" {
		t.Fatalf("payload = %q", d.Payload)
	}
	if d.Addr != a.LocalAddr().String() {
		t.Fatalf("source addr = %q, want %q", d.Addr, a.LocalAddr())
	}
}

func TestRecvAfterClose(t *testing.T) {
	ctx := context.Background()
	tr := New()
	a, err := tr.Open(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = a.Close()
	_ = a.Close() // idempotent

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := a.Recv(rctx); err == nil {
		t.Fatal("expected error from Recv after Close")
	}
}

func TestSendBadAddress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New()
	a, err := tr.Open(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if err := a.Send("not-an-address", []byte("x"), 0); err == nil {
		t.Fatal("expected resolve error")
	}
}
