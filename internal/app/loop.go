package app

import (
	"context"
	"fmt"

	"github.com/1ureka/udpcast/internal/config"
	"github.com/1ureka/udpcast/internal/monitor"
	"github.com/1ureka/udpcast/internal/transport"
	"github.com/1ureka/udpcast/internal/util"
)

// RunLoop runs a sender and a receiver in one process over loopback UDP and
// checks that the receiver got the whole pattern stream.
func RunLoop(ctx context.Context, cfg config.Config) error {
	bind := cfg.Bind
	if bind == "" {
		bind = "127.0.0.1:0"
	}

	rxSock, err := transport.Listen(transport.Config{
		Bind:       bind,
		SendBuffer: cfg.SendBuffer,
		RecvBuffer: cfg.RecvBuffer,
	})
	if err != nil {
		return err
	}
	defer rxSock.Close()

	txSock, err := transport.Listen(transport.Config{
		Bind:       bind,
		Dest:       rxSock.LocalAddr().String(),
		SendBuffer: cfg.SendBuffer,
		RecvBuffer: cfg.RecvBuffer,
		RateLimit:  cfg.RateLimit,
	})
	if err != nil {
		return err
	}
	defer txSock.Close()

	if err := rxSock.SetDest(txSock.LocalAddr().String()); err != nil {
		return err
	}

	r := newRunner(ctx, cfg)
	defer r.stop(nil)
	tx := newSender(txSock, cfg, r.stop)
	defer tx.Close()
	rx := newReceiver(rxSock, r.stop)
	defer rx.Close()

	util.LogInfo("loop %s -> %s", txSock.LocalAddr(), rxSock.LocalAddr())
	if err := rx.Join(cfg.JoinRetries); err != nil {
		return err
	}
	if err := r.monitor(monitor.Source{Sender: tx.Stats(), Receiver: rx.Stats()}); err != nil {
		return err
	}
	util.StartStatsReporter(r.ctx, cfg.StatsInterval, func() string {
		return senderDetail(tx.Sender)() + " | " + receiverDetail(rx.Receiver)()
	})

	r.loop(txSock, tx)
	r.loop(rxSock, rx)
	err = r.wait()

	printSenderSummary(tx.Stats().Snapshot())
	printReceiverSummary(rx.Stats().Snapshot(), rx.verifier.Segments.Load())
	if err != nil {
		return err
	}
	if err := rx.verifier.Err(); err != nil {
		return err
	}
	if got := rx.verifier.Segments.Load(); cfg.Segments > 0 && got != int64(cfg.Segments) {
		return fmt.Errorf("received %d of %d segments", got, cfg.Segments)
	}
	return nil
}
