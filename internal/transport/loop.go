package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1ureka/udpcast/internal/util"
)

const (
	DefaultTickInterval = 10 * time.Millisecond
	inboxSize           = 256 // datagrams buffered between the reader and the loop
)

// Endpoint is a protocol state machine driven by a Loop. All methods are
// called from the loop goroutine only.
type Endpoint interface {
	HandleDatagram(b []byte, addr net.Addr)
	Tick()
	WantsToWrite() bool
	OnWritable()
}

// Conn is the socket side of a Loop.
type Conn interface {
	ReadPacket() ([]byte, net.Addr, error)
	WriteDelay() time.Duration
}

type datagram struct {
	data []byte
	addr net.Addr
}

// ready is a closed channel: a select on it never blocks.
var ready = func() chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

// Loop serializes datagrams, ticks and write opportunities onto one
// goroutine, so the endpoint needs no locking.
type Loop struct {
	conn     Conn
	interval time.Duration
	clock    clockwork.Clock
}

// NewLoop creates a loop reading from conn and ticking every interval.
func NewLoop(conn Conn, interval time.Duration, clock clockwork.Clock) *Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{conn: conn, interval: interval, clock: clock}
}

// Run drives ep until ctx is cancelled or reading fails. It returns the
// cancellation cause or the read error. The caller closes the socket after
// Run returns to release the reader goroutine.
func (l *Loop) Run(ctx context.Context, ep Endpoint) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan datagram, inboxSize)
	readErr := make(chan error, 1)
	go l.readLoop(ctx, inbox, readErr)

	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		var writable <-chan time.Time
		if ep.WantsToWrite() {
			if d := l.conn.WriteDelay(); d > 0 {
				writable = l.clock.After(d)
			} else {
				writable = ready
			}
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case err := <-readErr:
			return err
		case dg := <-inbox:
			ep.HandleDatagram(dg.data, dg.addr)
		case <-ticker.Chan():
			ep.Tick()
		case <-writable:
			ep.OnWritable()
		}
	}
}

// readLoop is the reader goroutine. It forwards every datagram to inbox and
// exits on the first read error.
func (l *Loop) readLoop(ctx context.Context, inbox chan<- datagram, readErr chan<- error) {
	for {
		data, addr, err := l.conn.ReadPacket()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				util.LogError("socket read failed: %v", err)
			}
			readErr <- err
			return
		}

		select {
		case inbox <- datagram{data: data, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}
