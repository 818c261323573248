package udpcast

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/udpcast/internal/protocol"
)

type discard struct{}

func (discard) WritePacket([]byte, net.Addr) error { return nil }

func TestAdjustWindow(t *testing.T) {
	c := newClient(&net.UDPAddr{}, 1, 100, time.Now())

	// The first update opens the window.
	c.adjustWindow(0)
	require.Equal(t, 1.0, c.window)
	c.adjustWindow(0)
	require.Equal(t, 2.0, c.window)

	// Additive increase by 1/window per update.
	c.window = 16
	c.adjustWindow(0)
	require.InDelta(t, 16.0625, c.window, 1e-9)

	// Heavy loss shrinks by the square root.
	c.window = 16
	c.adjustWindow(4)
	require.Equal(t, 12.0, c.window)
	require.Equal(t, protocol.Seq(100), c.winSeq)

	// Three updates without progress halve the window and start a new epoch.
	c.lostCount = 3
	c.adjustWindow(1)
	require.Equal(t, 6.0, c.window)
	require.Zero(t, c.lostCount)
	require.Equal(t, protocol.Seq(106), c.winSeq)

	// Nothing changes until the epoch is acknowledged.
	c.adjustWindow(10)
	require.Equal(t, 6.0, c.window)
	c.seq = 106
	c.adjustWindow(0)
	require.InDelta(t, 6+1.0/6, c.window, 1e-9)

	// Never below the floor.
	c.window = 2
	c.adjustWindow(5)
	require.Equal(t, minWindow, c.window)
}

func TestAdjustWindowCap(t *testing.T) {
	c := newClient(&net.UDPAddr{}, 1, 0, time.Now())
	c.window = SendWindowSize
	c.adjustWindow(0)
	require.Equal(t, float64(SendWindowSize), c.window)
}

func TestSampleRTT(t *testing.T) {
	c := newClient(&net.UDPAddr{}, 1, 0, time.Now())
	c.window = 10

	// Out-of-range samples are clamped before smoothing.
	c.sampleRTT(10 * time.Second)
	require.Equal(t, 300*time.Millisecond, c.rtt)
	require.Equal(t, 5.0, c.window, "a window above 1s/rtt is halved")

	c.rtt = 0
	c.sampleRTT(0)
	require.Equal(t, 10*time.Microsecond, c.rtt)
}

func TestTicker(t *testing.T) {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := ticker{epoch: epoch}

	require.Equal(t, uint32(1), tk.at(epoch), "zero is reserved")
	require.Equal(t, uint32(2500), tk.at(epoch.Add(2500*time.Microsecond)))

	sent := tk.at(epoch.Add(time.Second))
	require.Equal(t, 40*time.Millisecond, tk.elapsed(epoch.Add(time.Second+40*time.Millisecond), sent))
	require.Zero(t, tk.elapsed(epoch.Add(time.Second), 0))
	require.Zero(t, tk.elapsed(epoch, sent), "echo from the future")
}

func TestSlowReceiverEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var offered, left []string
	s := NewSender(discard{}, SenderConfig{SlownessFactor: 2, Clock: clock}, SenderCallbacks{
		GetData: func(int) ([]byte, bool) { return nil, false },
		TooSlow: func(addr net.Addr) bool {
			offered = append(offered, addr.String())
			return true
		},
		Leave: func(addr net.Addr) { left = append(left, addr.String()) },
	})

	rtts := []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, time.Second}
	for i, rtt := range rtts {
		addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(i+2)), Port: 7000}
		c := newClient(addr, int64(i+1), 0, clock.Now())
		c.rtt = rtt
		s.clients[addr.String()] = c
	}

	// Not yet due.
	clock.Advance(time.Second)
	s.Tick()
	require.Empty(t, offered)

	// Mean throughput is (100+100+1)/3 per second, so the threshold is about
	// 30ms and only the 1s receiver exceeds it.
	clock.Advance(SlownessCheckInterval)
	s.Tick()
	require.Equal(t, []string{"10.0.0.4:7000"}, offered)
	require.Equal(t, offered, left)
	require.Equal(t, 2, s.ClientCount())
}

func TestSlownessDisabled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	offered := 0
	s := NewSender(discard{}, SenderConfig{Clock: clock}, SenderCallbacks{
		GetData: func(int) ([]byte, bool) { return nil, false },
		TooSlow: func(net.Addr) bool { offered++; return true },
	})

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7000}
	c := newClient(addr, 1, 0, clock.Now())
	c.rtt = MaxRTT
	s.clients[addr.String()] = c

	clock.Advance(2 * SlownessCheckInterval)
	s.Tick()
	require.Zero(t, offered)
	require.Equal(t, 1, s.ClientCount())
}
