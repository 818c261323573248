package app

import (
	"context"

	"github.com/1ureka/udpcast/internal/config"
	"github.com/1ureka/udpcast/internal/monitor"
	"github.com/1ureka/udpcast/internal/transport"
	"github.com/1ureka/udpcast/internal/util"
)

// RunSender orchestrates the send mode:
//  1. Open the socket towards the multicast group
//  2. Serve the pattern stream to every receiver that joins
//  3. Stop once the stream is fully acknowledged, or on shutdown
//  4. Release the remaining receivers and print a summary
func RunSender(ctx context.Context, cfg config.Config) error {
	sockCfg, err := senderSocket(cfg)
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
	ep := newSender(sock, cfg, r.stop)
	defer ep.Close()

	util.LogInfo("sending to %s from %s", cfg.Group, sock.LocalAddr())
	if err := r.monitor(monitor.Source{Sender: ep.Stats()}); err != nil {
		return err
	}
	util.StartStatsReporter(r.ctx, cfg.StatsInterval, senderDetail(ep.Sender))

	r.loop(sock, ep)
	err = r.wait()

	// The loop has stopped; tell receivers still attached that we are gone.
	if n := ep.DisconnectAll(); n > 0 {
		util.LogInfo("released %d receivers", n)
	}
	printSenderSummary(ep.Stats().Snapshot())
	return err
}
