// lunanet-client runs the rover side of the lunadev peer protocol: it dials a
// base station, negotiates channels, streams telemetry and logs heartbeats
// received on the command channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mtthwm/lunadev-2025/pkg/core/netstack"
	"github.com/mtthwm/lunadev-2025/pkg/core/peering"
	"github.com/mtthwm/lunadev-2025/pkg/peers"
	"github.com/mtthwm/lunadev-2025/pkg/protocol"
	"github.com/mtthwm/lunadev-2025/pkg/protocol/codec"
	"github.com/mtthwm/lunadev-2025/pkg/pubsub"
	"github.com/mtthwm/lunadev-2025/pkg/transport"
)

const (
	chTelemetry protocol.ChannelID = 1
	chCommand   protocol.ChannelID = 2
)

// Heartbeat mirrors the base station's command-channel message.
type Heartbeat struct {
	Seq        uint64 `cbor:"1,keyasint"`
	SentUnixMS int64  `cbor:"2,keyasint"`
}

var wireCodec = codec.MustCBOR()

func main() {
	kind := flag.String("kind", "udp", "transport kind: udp|quic|mem")
	listen := flag.String("listen", ":0", "local address to bind")
	addr := flag.String("addr", "127.0.0.1:43721", "base station address")
	interval := flag.Duration("interval", 500*time.Millisecond, "telemetry period")
	timeout := flag.Duration("timeout", 5*time.Second, "connect timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr, err := netstack.NewByKind(*kind)
	if err != nil {
		fatalf("new transport: %v", err)
	}
	conn, err := tr.Open(ctx, *listen)
	if err != nil {
		fatalf("open endpoint: %v", err)
	}
	defer conn.Close()

	ns := netstack.New(conn, peers.NewStore(), netstack.Options{})
	go func() {
		if err := ns.Run(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("transport loop failed", zap.Error(err))
		}
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, *timeout)
	peer, err := ns.Connect(dialCtx, *addr)
	dialCancel()
	if err != nil {
		fatalf("connect %s: %v", *addr, err)
	}
	defer peer.Close()

	commands := pubsub.NewSubscriber[[]byte](16)
	defer commands.Close()
	if err := peer.Negotiate(peering.Router{chCommand: peering.SubscriberSink(commands)}); err != nil {
		fatalf("negotiate: %v", err)
	}
	zap.L().Info("connected to base station", zap.String("addr", *addr))

	tick := time.NewTicker(*interval)
	defer tick.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("shutting down")
			return
		case <-tick.C:
			for {
				data, ok := commands.TryRecv()
				if !ok {
					break
				}
				var hb Heartbeat
				if err := wireCodec.Unmarshal(data, &hb); err != nil {
					zap.L().Warn("bad command payload", zap.Error(err))
					continue
				}
				zap.L().Info("heartbeat",
					zap.Uint64("seq", hb.Seq),
					zap.Duration("age", time.Since(time.UnixMilli(hb.SentUnixMS))))
			}
			if commands.PubCount() == 0 {
				zap.L().Info("base station disconnected")
				return
			}

			seq++
			sample := fmt.Sprintf("telemetry sample %d at %d", seq, time.Now().UnixMilli())
			if !peer.Send(chTelemetry, []byte(sample), transport.ModeUnreliable) {
				zap.L().Info("peer closed, exiting")
				return
			}
		}
	}
}

func fatalf(format string, args ...any) {
	zap.L().Sugar().Errorf(format, args...)
	os.Exit(1)
}
