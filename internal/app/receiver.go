package app

import (
	"context"

	"github.com/1ureka/udpcast/internal/config"
	"github.com/1ureka/udpcast/internal/monitor"
	"github.com/1ureka/udpcast/internal/transport"
	"github.com/1ureka/udpcast/internal/util"
)

// RunReceiver orchestrates the recv mode:
//  1. Join the multicast group and the sender
//  2. Verify the pattern stream as it is delivered
//  3. Stop when the sender ends the session, goes silent, or on shutdown
func RunReceiver(ctx context.Context, cfg config.Config) error {
	sockCfg, err := receiverSocket(cfg)
	if err != nil {
		return err
	}
	sock, err := transport.Listen(sockCfg)
	if err != nil {
		return err
	}
	defer sock.Close()

	r := newRunner(ctx, cfg)
	defer r.stop(nil)
	ep := newReceiver(sock, r.stop)
	defer ep.Close()

	util.LogInfo("joining %s via %s", cfg.Sender, cfg.Group)
	if err := ep.Join(cfg.JoinRetries); err != nil {
		return err
	}
	if err := r.monitor(monitor.Source{Receiver: ep.Stats()}); err != nil {
		return err
	}
	util.StartStatsReporter(r.ctx, cfg.StatsInterval, receiverDetail(ep.Receiver))

	r.loop(sock, ep)
	err = r.wait()

	// Best effort: a single Leave lets the sender drop us at once.
	if ep.Receiving() {
		ep.Leave(1)
	}
	printReceiverSummary(ep.Stats().Snapshot(), ep.verifier.Segments.Load())
	if err != nil {
		return err
	}
	return ep.verifier.Err()
}
