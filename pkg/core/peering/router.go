package peering

import (
	"go.uber.org/zap"

	"github.com/mtthwm/lunadev-2025/pkg/protocol"
	"github.com/mtthwm/lunadev-2025/pkg/pubsub"
)

// Publisher is a registered per-channel sink. Deliver pushes raw bytes to the
// application; IsAlive must report false once the application endpoint behind
// it is gone, after which Deliver is never invoked again.
type Publisher interface {
	Deliver(data []byte)
	IsAlive() bool
}

// Router maps channel ids to registered sinks. Channel 0 never appears here;
// it is reserved for control traffic and filtered out by the state machine.
type Router map[protocol.ChannelID]Publisher

// Route dispatches one application datagram. Unknown channels are a handled
// error (logged, datagram discarded). A dead sink is removed the instant its
// liveness check fails, and the datagram is discarded silently.
func (r Router) Route(ch protocol.ChannelID, data []byte, addr string) {
	entry, ok := r[ch]
	if !ok {
		zap.L().Error("unrecognized channel",
			zap.String("addr", addr), zap.Uint8("channel", uint8(ch)))
		return
	}
	if !entry.IsAlive() {
		delete(r, ch)
		release(entry)
		return
	}
	entry.Deliver(data)
}

// Release tears down every sink so applications polling their subscriber's
// publisher count observe the peer going away.
func (r Router) Release() {
	for ch, entry := range r {
		delete(r, ch)
		release(entry)
	}
}

func release(p Publisher) {
	if c, ok := p.(interface{ Close() }); ok {
		c.Close()
	}
}

// SubscriberSink adapts an application pubsub buffer into a router entry:
// delivered bytes are pushed into the subscriber, and the entry stays alive
// until the subscriber's consuming side is closed.
func SubscriberSink(sub *pubsub.Subscriber[[]byte]) Publisher {
	return &subscriberSink{p: sub.CreateSubscription()}
}

type subscriberSink struct{ p *pubsub.Subscription[[]byte] }

func (s *subscriberSink) Deliver(data []byte) { s.p.Push(data) }
func (s *subscriberSink) IsAlive() bool       { return !s.p.ConsumerClosed() }
func (s *subscriberSink) Close()              { s.p.Close() }
