// Package app contains the top-level orchestration for the send, recv and
// loop modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/udpcast/internal/config"
	"github.com/1ureka/udpcast/internal/monitor"
	"github.com/1ureka/udpcast/internal/transport"
	"github.com/1ureka/udpcast/internal/udpcast"
	"github.com/1ureka/udpcast/internal/util"
)

// Cancellation causes that end a run normally.
var (
	ErrTransferComplete = errors.New("transfer complete")
	ErrSessionEnded     = errors.New("session ended")
)

// done reports whether err is a normal end of a run.
func done(err error) bool {
	return err == nil ||
		errors.Is(err, ErrTransferComplete) ||
		errors.Is(err, ErrSessionEnded) ||
		errors.Is(err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Sockets
// ---------------------------------------------------------------------------

// groupPort returns the port of the multicast group address.
func groupPort(cfg config.Config) (string, int, error) {
	host, port, err := net.SplitHostPort(cfg.Group)
	if err != nil {
		return "", 0, fmt.Errorf("invalid group %q: %w", cfg.Group, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("invalid group port %q: %w", port, err)
	}
	return host, n, nil
}

// senderSocket sends to the group and listens for receivers on the port
// above the group port, unless Bind says otherwise.
func senderSocket(cfg config.Config) (transport.Config, error) {
	_, port, err := groupPort(cfg)
	if err != nil {
		return transport.Config{}, err
	}

	bind := cfg.Bind
	if bind == "" {
		bind = net.JoinHostPort("0.0.0.0", strconv.Itoa(port+1))
	}
	return transport.Config{
		Bind:       bind,
		Dest:       cfg.Group,
		Interface:  cfg.Interface,
		TTL:        cfg.TTL,
		Loopback:   cfg.Loopback,
		SendBuffer: cfg.SendBuffer,
		RecvBuffer: cfg.RecvBuffer,
		RateLimit:  cfg.RateLimit,
	}, nil
}

// receiverSocket joins the group on the group port and talks back to the
// sender.
func receiverSocket(cfg config.Config) (transport.Config, error) {
	group, port, err := groupPort(cfg)
	if err != nil {
		return transport.Config{}, err
	}

	bind := cfg.Bind
	if bind == "" {
		bind = net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	}
	return transport.Config{
		Bind:       bind,
		Dest:       cfg.Sender,
		Group:      group,
		Interface:  cfg.Interface,
		SendBuffer: cfg.SendBuffer,
		RecvBuffer: cfg.RecvBuffer,
	}, nil
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// senderEndpoint stops the run once the stream has been fully acknowledged.
type senderEndpoint struct {
	*udpcast.Sender
	stop context.CancelCauseFunc
}

func (e *senderEndpoint) Tick() {
	e.Sender.Tick()
	if e.Finished() && e.ClientCount() > 0 {
		util.LogSuccess("every receiver acknowledged the stream")
		e.DisconnectAll()
		e.stop(ErrTransferComplete)
	}
}

// receiverEndpoint stops the run on a terminal receiver failure or a
// verification error.
type receiverEndpoint struct {
	*udpcast.Receiver
	verifier *Verifier
	stop     context.CancelCauseFunc
}

func (e *receiverEndpoint) Tick() {
	e.Receiver.Tick()
	if err := e.Err(); err != nil {
		e.stop(err)
	}
	if err := e.verifier.Err(); err != nil {
		e.stop(err)
	}
}

func newSender(sock udpcast.PacketWriter, cfg config.Config, stop context.CancelCauseFunc) *senderEndpoint {
	gen := NewGenerator(cfg.Segments, cfg.MaxSegmentSize)
	s := udpcast.NewSender(sock, udpcast.SenderConfig{
		MaxSegmentSize: cfg.MaxSegmentSize,
		SlownessFactor: cfg.SlownessFactor,
	}, udpcast.SenderCallbacks{
		GetData: gen.GetData,
		Join: func(addr net.Addr) bool {
			util.LogSuccess("receiver %s joined", addr)
			return true
		},
		Leave: func(addr net.Addr) {
			util.LogInfo("receiver %s left", addr)
		},
		Timeout: func(addr net.Addr) {
			util.LogWarning("receiver %s stopped answering", addr)
		},
		TooSlow: func(addr net.Addr) bool {
			return true
		},
	})
	return &senderEndpoint{Sender: s, stop: stop}
}

func newReceiver(sock udpcast.PacketWriter, stop context.CancelCauseFunc) *receiverEndpoint {
	v := &Verifier{}
	r := udpcast.NewReceiver(sock, udpcast.ReceiverConfig{}, udpcast.ReceiverCallbacks{
		ConsumeData: v.ConsumeData,
		Join: func() {
			util.LogSuccess("joined the sender")
		},
		Leave: func() {
			stop(ErrSessionEnded)
		},
	})
	return &receiverEndpoint{Receiver: r, verifier: v, stop: stop}
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

func senderDetail(s *udpcast.Sender) func() string {
	return func() string {
		snap := s.Stats().Snapshot()
		return fmt.Sprintf("receivers %d | seq %d | window %d | rtt %s | naks %d",
			snap.Clients, snap.Seq, snap.Window,
			time.Duration(snap.RTTMicros)*time.Microsecond, snap.NakCount)
	}
}

func receiverDetail(r *udpcast.Receiver) func() string {
	return func() string {
		snap := r.Stats().Snapshot()
		return fmt.Sprintf("seq %d | window %d | rate %s/s | dup %d",
			snap.Seq, snap.Window, util.FormatBytes(snap.Rate), snap.DataDuplicate)
	}
}

func printSenderSummary(snap udpcast.SenderSnapshot) {
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Sender", "Value"},
		{"Source", util.FormatBytes(float64(snap.ContentLength))},
		{"Sent", util.FormatBytes(float64(snap.SendLength))},
		{"Data packets", strconv.FormatInt(snap.SendCount, 10)},
		{"Retransmissions", fmt.Sprintf("%d (%.2f%%)", snap.NakCount, snap.NakRatio*100)},
		{"Keepalives", strconv.FormatInt(snap.KeepAliveCount, 10)},
		{"Updates", strconv.FormatInt(snap.UpdateCount, 10)},
	}).Render()
}

func printReceiverSummary(snap udpcast.ReceiverSnapshot, segments int64) {
	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Receiver", "Value"},
		{"Delivered", util.FormatBytes(float64(snap.ContentLength))},
		{"Segments", strconv.FormatInt(segments, 10)},
		{"Data packets", strconv.FormatInt(snap.DataCount, 10)},
		{"Duplicates", strconv.FormatInt(snap.DataDuplicate, 10)},
		{"Out of window", strconv.FormatInt(snap.InvalidDataCount+snap.StaleDataCount, 10)},
		{"Updates", strconv.FormatInt(snap.UpdateCount, 10)},
	}).Render()
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// runner runs event loops and the optional monitor under one cancellable
// context.
type runner struct {
	cfg   config.Config
	ctx   context.Context
	stop  context.CancelCauseFunc
	group *errgroup.Group
}

func newRunner(ctx context.Context, cfg config.Config) *runner {
	ctx, stop := context.WithCancelCause(ctx)
	g, ctx := errgroup.WithContext(ctx)
	return &runner{cfg: cfg, ctx: ctx, stop: stop, group: g}
}

// loop drives ep on sock until the run stops.
func (r *runner) loop(sock *transport.Socket, ep transport.Endpoint) {
	r.group.Go(func() error {
		err := transport.NewLoop(sock, r.cfg.TickInterval, nil).Run(r.ctx, ep)
		if done(err) {
			return nil
		}
		return err
	})
}

// monitor serves src over HTTP when configured.
func (r *runner) monitor(src monitor.Source) error {
	if r.cfg.Monitor == "" {
		return nil
	}

	mon := monitor.New(src, monitor.DefaultInterval)
	if err := mon.Start(r.cfg.Monitor); err != nil {
		return err
	}
	r.group.Go(func() error {
		<-r.ctx.Done()
		return mon.Close()
	})
	return nil
}

// wait blocks until every loop has stopped and returns the first failure.
func (r *runner) wait() error {
	err := r.group.Wait()
	cause := context.Cause(r.ctx)
	r.stop(nil)
	if err != nil {
		return err
	}
	if !done(cause) {
		return cause
	}
	return nil
}
