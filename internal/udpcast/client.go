package udpcast

import (
	"math"
	"net"
	"time"

	"github.com/1ureka/udpcast/internal/protocol"
)

// Congestion control limits.
const (
	MinRTT = 100 * time.Microsecond
	MaxRTT = 3 * time.Second

	minWindow = 2.0
)

// client is the sender's view of one joined receiver.
type client struct {
	addr net.Addr
	id   int64

	seq       protocol.Seq // everything before seq is acknowledged
	winSeq    protocol.Seq // start of the current congestion epoch
	window    float64
	lostCount int // consecutive updates without progress
	rtt       time.Duration
	rate      float32
	naks      map[protocol.Seq]struct{}

	updateTime    time.Time
	keepAliveTime time.Time
}

func newClient(addr net.Addr, id int64, base protocol.Seq, now time.Time) *client {
	return &client{
		addr:       addr,
		id:         id,
		seq:        base,
		winSeq:     base,
		naks:       make(map[protocol.Seq]struct{}),
		updateTime: now,
	}
}

// sampleRTT folds one round-trip sample into the smoothed RTT and halves a
// window that one second of traffic could not fill at that RTT.
func (c *client) sampleRTT(sample time.Duration) {
	sample = min(max(sample, MinRTT), MaxRTT)
	c.rtt = time.Duration(0.9*float64(c.rtt) + 0.1*float64(sample))
	if c.rtt <= 0 {
		return
	}

	maxWindow := float64(time.Second / c.rtt)
	if c.window > maxWindow {
		c.window = max(c.window/2, 1)
	}
}

// adjustWindow applies the AIMD rule after an update that reported lost
// missing sequences. It only acts once the current epoch has been
// acknowledged.
func (c *client) adjustWindow(lost int) {
	if c.seq.Before(c.winSeq) {
		return
	}

	switch {
	case c.lostCount >= 3:
		c.window = max(c.window/2, minWindow)
		c.lostCount = 0
		if next := c.seq.Add(int(c.window)); next.After(c.winSeq) {
			c.winSeq = next
		}

	case lost > 3:
		c.window = max(c.window-math.Sqrt(c.window), minWindow)
		c.winSeq = c.seq
		c.lostCount = 0

	case c.window > 0:
		c.window = min(c.window+1/c.window, SendWindowSize)
		c.winSeq = c.seq

	default:
		c.window = 1
		c.winSeq = c.seq
	}
}
