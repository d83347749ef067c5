package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mtthwm/lunadev-2025/pkg/config"
	"github.com/mtthwm/lunadev-2025/pkg/core/netstack"
	"github.com/mtthwm/lunadev-2025/pkg/core/peering"
	"github.com/mtthwm/lunadev-2025/pkg/observability"
	"github.com/mtthwm/lunadev-2025/pkg/peers"
	"github.com/mtthwm/lunadev-2025/pkg/protocol"
	"github.com/mtthwm/lunadev-2025/pkg/protocol/codec"
	"github.com/mtthwm/lunadev-2025/pkg/pubsub"
	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

// Application channel assignments. Channel 0 is reserved for control.
const (
	chTelemetry protocol.ChannelID = 1
	chCommand   protocol.ChannelID = 2
)

// Heartbeat is sent periodically to connected rovers on the command channel.
type Heartbeat struct {
	Seq        uint64 `cbor:"1,keyasint"`
	SentUnixMS int64  `cbor:"2,keyasint"`
}

var heartbeatCodec = codec.MustCBOR()

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("lunanet-node started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr, err := netstack.NewByKind(cfg.Transport.Kind)
	if err != nil {
		zap.L().Error("failed to create transport", zap.Error(err))
		return 1
	}
	conn, err := tr.Open(ctx, cfg.Transport.Listen)
	if err != nil {
		zap.L().Error("failed to open endpoint", zap.Error(err))
		return 1
	}
	defer conn.Close()
	zap.L().Info("listening", zap.String("kind", cfg.Transport.Kind), zap.Stringer("addr", conn.LocalAddr()))

	store := peers.NewStore()
	ns := netstack.New(conn, store, netstack.Options{
		PeerBufferSize: cfg.Peering.PeerBufferSize,
		PollInterval:   time.Duration(cfg.Peering.PollIntervalMS) * time.Millisecond,
		AcceptBacklog:  cfg.Peering.AcceptBacklog,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- ns.Run(ctx) }()

	// Dial out to any statically configured peers.
	backoff := time.Duration(cfg.Peering.DialBackoffMS) * time.Millisecond
	for _, addr := range cfg.Transport.Dial {
		go dialPeer(ctx, ns, addr, backoff)
	}

	go acceptLoop(ctx, ns)

	err = <-errCh
	if err != nil && ctx.Err() == nil {
		zap.L().Error("transport loop failed", zap.Error(err))
		return 1
	}
	zap.L().Info("lunanet-node stopped")
	return 0
}

func acceptLoop(ctx context.Context, ns *netstack.Netstack) {
	for {
		peer, err := ns.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				zap.L().Error("accept failed", zap.Error(err))
			}
			return
		}
		go servePeer(ctx, peer)
	}
}

// dialPeer keeps trying addr until the handshake completes or ctx is done.
func dialPeer(ctx context.Context, ns *netstack.Netstack, addr string, backoff time.Duration) {
	for ctx.Err() == nil {
		dialCtx, cancel := context.WithTimeout(ctx, backoff)
		peer, err := ns.Connect(dialCtx, addr)
		cancel()
		if err == nil {
			servePeer(ctx, peer)
			return
		}
		zap.L().Warn("dial failed, retrying", zap.String("addr", addr), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// servePeer wires up the application channels for one peer, negotiates, then
// consumes telemetry and emits heartbeats until the peer goes away.
func servePeer(ctx context.Context, peer *peering.NetworkPeer) {
	log := zap.L().With(zap.String("peer", peer.RemoteAddr), zap.Stringer("role", peer.Role()))

	telemetry := pubsub.NewSubscriber[[]byte](32)
	mapping := peering.Router{
		chTelemetry: peering.SubscriberSink(telemetry),
	}
	if err := peer.Negotiate(mapping); err != nil {
		log.Error("negotiate failed", zap.Error(err))
		peer.Close()
		return
	}
	log.Info("peer negotiated")
	defer func() {
		telemetry.Close()
		peer.Close()
		log.Info("peer session ended")
	}()

	hb := time.NewTicker(time.Second)
	defer hb.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			for {
				data, ok := telemetry.TryRecv()
				if !ok {
					break
				}
				log.Info("telemetry", zap.Int("bytes", len(data)))
			}
			if telemetry.PubCount() == 0 {
				log.Info("peer disconnected")
				return
			}
		case <-hb.C:
			seq++
			payload, err := heartbeatCodec.Marshal(Heartbeat{Seq: seq, SentUnixMS: time.Now().UnixMilli()})
			if err != nil {
				log.Error("encode heartbeat", zap.Error(err))
				continue
			}
			if !peer.Send(chCommand, payload, transport.ModeUnreliable) {
				log.Info("peer gone, stopping heartbeats")
				return
			}
		}
	}
}
