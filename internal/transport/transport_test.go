package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func listenLocal(t *testing.T, dest string) *Socket {
	t.Helper()
	s, err := Listen(Config{Bind: "127.0.0.1:0", Dest: dest})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSocketRoundTrip(t *testing.T) {
	b := listenLocal(t, "")
	a := listenLocal(t, b.LocalAddr().String())

	require.NoError(t, a.WritePacket([]byte("hello"), nil))
	data, from, err := b.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, a.LocalAddr().String(), from.String())

	// Reply to the source address explicitly.
	require.NoError(t, b.WritePacket([]byte("world"), from))
	data, _, err = a.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), data)

	require.Zero(t, a.WriteDelay(), "unlimited sockets never wait")
}

func TestSocketWithoutDestination(t *testing.T) {
	s := listenLocal(t, "")
	require.ErrorIs(t, s.WritePacket([]byte{1}, nil), ErrNoDestination)
}

func TestListenErrors(t *testing.T) {
	_, err := Listen(Config{Bind: "not an address"})
	require.Error(t, err)

	_, err = Listen(Config{Bind: "127.0.0.1:0", Dest: "nowhere:-1"})
	require.Error(t, err)

	_, err = Listen(Config{Bind: "127.0.0.1:0", Group: "10.0.0.1"})
	require.ErrorContains(t, err, "invalid multicast group")

	_, err = Listen(Config{Bind: "127.0.0.1:0", Group: "239.1.2.3", Interface: "no-such-interface0"})
	require.ErrorContains(t, err, "unknown interface")
}

func TestPacer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	require.Nil(t, newPacer(0, clock))

	p := newPacer(100_000, clock)
	require.Equal(t, minBurst, p.limiter.Burst())
	require.Zero(t, p.delay())

	// The bucket starts full and may go into debt.
	p.consume(50_000)
	require.Zero(t, p.delay())
	p.consume(50_000)
	require.InDelta(t, 344.65, float64(p.delay())/float64(time.Millisecond), 1)

	clock.Advance(400 * time.Millisecond)
	require.Zero(t, p.delay())

	// A fast link gets a burst of about 100ms.
	require.Equal(t, 1_000_000, newPacer(10_000_000, clock).limiter.Burst())
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

type fakeConn struct {
	packets chan []byte
	delay   atomic.Int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{packets: make(chan []byte, 16)}
}

func (c *fakeConn) ReadPacket() ([]byte, net.Addr, error) {
	b, ok := <-c.packets
	if !ok {
		return nil, nil, net.ErrClosed
	}
	return b, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, nil
}

func (c *fakeConn) WriteDelay() time.Duration {
	return time.Duration(c.delay.Load())
}

// fakeEndpoint counts calls from the loop goroutine.
type fakeEndpoint struct {
	received atomic.Int64
	ticks    atomic.Int64
	writes   atomic.Int64
	pending  atomic.Int64 // OnWritable calls still wanted
}

func (e *fakeEndpoint) HandleDatagram(b []byte, addr net.Addr) { e.received.Add(1) }
func (e *fakeEndpoint) Tick()                                   { e.ticks.Add(1) }
func (e *fakeEndpoint) WantsToWrite() bool                      { return e.pending.Load() > 0 }

func (e *fakeEndpoint) OnWritable() {
	e.pending.Add(-1)
	e.writes.Add(1)
}

func TestLoopDispatch(t *testing.T) {
	conn := newFakeConn()
	ep := &fakeEndpoint{}
	ep.pending.Store(5)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewLoop(conn, time.Millisecond, nil).Run(ctx, ep) }()

	for i := 0; i < 3; i++ {
		conn.packets <- []byte{byte(i)}
	}

	require.Eventually(t, func() bool { return ep.received.Load() == 3 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ep.writes.Load() == 5 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ep.ticks.Load() > 0 }, time.Second, time.Millisecond)

	stop := errors.New("stop")
	cancel(stop)
	require.ErrorIs(t, <-done, stop)
	close(conn.packets)
}

func TestLoopWaitsForWriteDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	conn.delay.Store(int64(time.Second))
	ep := &fakeEndpoint{}
	ep.pending.Store(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewLoop(conn, time.Hour, clock).Run(ctx, ep) }()

	// The loop waits on the ticker and the write delay.
	clock.BlockUntil(2)
	require.Zero(t, ep.writes.Load())

	conn.delay.Store(0)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return ep.writes.Load() == 1 }, time.Second, time.Millisecond)

	close(conn.packets)
	require.ErrorIs(t, <-done, net.ErrClosed)
}
