package peering

import (
	"testing"

	"github.com/mtthwm/lunadev-2025/pkg/pubsub"
)

type testSink struct {
	got   [][]byte
	alive bool
}

func (s *testSink) Deliver(data []byte) { s.got = append(s.got, data) }
func (s *testSink) IsAlive() bool       { return s.alive }

func TestRouteDelivers(t *testing.T) {
	sink := &testSink{alive: true}
	r := Router{3: sink}
	r.Route(3, []byte("hello"), "peer")
	if len(sink.got) != 1 || string(sink.got[0]) != "hello" {
		t.Fatalf("delivery mismatch: %q", sink.got)
	}
}

func TestRouteUnknownChannelKeepsMapping(t *testing.T) {
	sink := &testSink{alive: true}
	r := Router{3: sink}
	r.Route(9, []byte("x"), "peer")
	if len(r) != 1 {
		t.Fatalf("unknown channel must not mutate the mapping")
	}
	if len(sink.got) != 0 {
		t.Fatalf("nothing should have been delivered")
	}
	// empty mapping: still no panic
	Router{}.Route(1, []byte("y"), "peer")
}

func TestRouteRemovesDeadEntryOnce(t *testing.T) {
	sink := &testSink{alive: false}
	r := Router{2: sink}
	r.Route(2, []byte("x"), "peer")
	if _, ok := r[2]; ok {
		t.Fatalf("dead entry should have been removed")
	}
	if len(sink.got) != 0 {
		t.Fatalf("dead sink must never receive data")
	}
	// channel is now unrecognized; mapping stays empty, no panic
	r.Route(2, []byte("y"), "peer")
	if len(r) != 0 {
		t.Fatalf("mapping should stay empty")
	}
}

func TestSubscriberSink(t *testing.T) {
	sub := pubsub.NewSubscriber[[]byte](4)
	sink := SubscriberSink(sub)
	if !sink.IsAlive() {
		t.Fatalf("sink should be alive")
	}
	sink.Deliver([]byte("data"))
	v, ok := sub.TryRecv()
	if !ok || string(v) != "data" {
		t.Fatalf("delivery mismatch: %q ok=%v", v, ok)
	}
	sub.Close()
	if sink.IsAlive() {
		t.Fatalf("sink should report dead after consumer close")
	}
}
