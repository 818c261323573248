package udpcast_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/udpcast/internal/protocol"
	"github.com/1ureka/udpcast/internal/udpcast"
)

// TestTransferWithoutLoss sends ten four-byte segments over a lossless
// network.
func TestTransferWithoutLoss(t *testing.T) {
	h := newHarness(t, udpcast.SenderConfig{}, udpcast.SenderCallbacks{GetData: source(10, 4)})
	r, s := h.addReceiver(udpcast.ReceiverCallbacks{})
	require.True(t, r.Receiving())
	require.Equal(t, 1, h.sender.ClientCount())

	h.runUntil(10*time.Second, h.sender.Finished)

	require.Equal(t, segments(10, 4), s.got)

	rs := r.Stats().Snapshot()
	require.Zero(t, rs.DataDuplicate)
	require.Zero(t, rs.InvalidDataCount)
	require.Equal(t, int64(40), rs.ContentLength)

	ss := h.sender.Stats().Snapshot()
	require.Equal(t, int64(10), ss.SendCount)
	require.Zero(t, ss.NakCount)
	require.Equal(t, int64(40), ss.ContentLength)
	require.Equal(t, int64(40), ss.SendLength)
	require.Equal(t, 10, h.net.count(ofType(protocol.TypeData)))
}

// TestTransferRepairsSingleLoss drops the first transmission of segment 5.
func TestTransferRepairsSingleLoss(t *testing.T) {
	h := newHarness(t, udpcast.SenderConfig{}, udpcast.SenderCallbacks{GetData: source(10, 4)})
	r, s := h.addReceiver(udpcast.ReceiverCallbacks{})

	dropped := false
	h.net.drop = func(d datagram, to net.Addr) bool {
		if d.typ() == protocol.TypeData && d.seq() == 5 && !dropped {
			dropped = true
			return true
		}
		return false
	}

	h.runUntil(10*time.Second, h.sender.Finished)
	require.True(t, dropped)

	require.Equal(t, segments(10, 4), s.got, "delivered exactly once, in order")
	require.Zero(t, r.Stats().Snapshot().DataDuplicate)

	ss := h.sender.Stats().Snapshot()
	require.Equal(t, int64(1), ss.NakCount)
	require.Equal(t, int64(11), ss.SendCount)

	// An Update reported 5 missing before the retransmission.
	flagged := false
	for _, d := range h.net.sent {
		if d.typ() != protocol.TypeUpdate {
			continue
		}
		pkt, err := protocol.Decode(d.data)
		require.NoError(t, err)
		u := pkt.(*protocol.Update)
		if u.Seq == 5 && u.MaxSeq.After(5) && !u.Received(0) {
			flagged = true
		}
	}
	require.True(t, flagged)

	resent := h.net.count(func(d datagram) bool { return d.typ() == protocol.TypeData && d.seq() == 5 })
	require.Equal(t, 2, resent)
}

// TestTransferWithRandomLoss checks that every segment arrives once and in
// order under sustained loss in both directions.
func TestTransferWithRandomLoss(t *testing.T) {
	const count = 300

	h := newHarness(t, udpcast.SenderConfig{}, udpcast.SenderCallbacks{GetData: source(count, 16)})
	_, s1 := h.addReceiver(udpcast.ReceiverCallbacks{})
	_, s2 := h.addReceiver(udpcast.ReceiverCallbacks{})

	n := 0
	h.net.drop = func(d datagram, to net.Addr) bool {
		n++
		return n%7 == 0
	}

	h.runUntil(10*time.Minute, h.sender.Finished)

	want := segments(count, 16)
	require.Equal(t, want, s1.got)
	require.Equal(t, want, s2.got)
	require.Positive(t, h.sender.Stats().Snapshot().NakCount)
}

// TestRoundBarrierWaitsForLaggingReceiver starves one receiver of segment 2
// and checks that no new segment is offered until it catches up.
func TestRoundBarrierWaitsForLaggingReceiver(t *testing.T) {
	h := newHarness(t, udpcast.SenderConfig{}, udpcast.SenderCallbacks{GetData: source(20, 8)})
	_, fast := h.addReceiver(udpcast.ReceiverCallbacks{})
	lagging, slow := h.addReceiver(udpcast.ReceiverCallbacks{})
	laggingAddr := h.net.order[1]

	starve := true
	h.net.drop = func(d datagram, to net.Addr) bool {
		return starve && to.String() == laggingAddr.String() && d.typ() == protocol.TypeData && d.seq() == 2
	}

	h.runUntil(10*time.Second, func() bool { return len(fast.got) >= 3 })

	// The barrier holds maxSeq while the lagging receiver misses 2.
	before := h.sender.Stats().Snapshot().MaxSeq
	for i := 0; i < 100; i++ {
		h.step(10 * time.Millisecond)
	}
	require.Equal(t, before, h.sender.Stats().Snapshot().MaxSeq)
	require.Len(t, slow.got, 2)
	require.Positive(t, h.sender.Stats().Snapshot().NakCount, "the lagging receiver is still sent repairs")

	starve = false
	h.runUntil(20*time.Second, h.sender.Finished)
	require.Equal(t, segments(20, 8), fast.got)
	require.Equal(t, segments(20, 8), slow.got)
	require.Zero(t, lagging.Stats().Snapshot().InvalidDataCount)
}

// TestBackpressureBlocksLaterSegments declines segment 3 until released.
func TestBackpressureBlocksLaterSegments(t *testing.T) {
	h := newHarness(t, udpcast.SenderConfig{}, udpcast.SenderCallbacks{GetData: source(10, 4)})

	blocked := true
	s := &sink{}
	s.decline = func(data []byte) bool { return blocked && data[0] == 3 }
	r, _ := h.addReceiver(udpcast.ReceiverCallbacks{ConsumeData: s.consume})

	h.runUntil(10*time.Second, func() bool { return r.Stats().Snapshot().Window >= 6 })
	require.Equal(t, segments(3, 4), s.got, "nothing after the declined segment is delivered")
	require.Equal(t, int64(12), r.Stats().Snapshot().ContentLength)

	// Buffered segments are acknowledged before they are consumed, so the
	// sender may already be done.
	blocked = false
	h.runUntil(10*time.Second, func() bool { return len(s.got) == 10 })
	require.True(t, h.sender.Finished())
	require.Equal(t, segments(10, 4), s.got)
	require.Equal(t, int64(40), r.Stats().Snapshot().ContentLength)
}

// TestEmptySegmentsAreTransmitted verifies that zero-length segments travel
// like any other.
func TestEmptySegmentsAreTransmitted(t *testing.T) {
	h := newHarness(t, udpcast.SenderConfig{}, udpcast.SenderCallbacks{GetData: source(5, 0)})
	_, s := h.addReceiver(udpcast.ReceiverCallbacks{})

	h.runUntil(10*time.Second, h.sender.Finished)
	require.Len(t, s.got, 5)
	require.Equal(t, int64(5), h.sender.Stats().Snapshot().SendCount)
}

// TestSequenceWrap transfers across the 16-bit wrap point.
func TestSequenceWrap(t *testing.T) {
	const count = 70000

	h := newHarness(t, udpcast.SenderConfig{}, udpcast.SenderCallbacks{GetData: source(count, 1)})
	_, s := h.addReceiver(udpcast.ReceiverCallbacks{})

	h.runUntil(30*time.Minute, h.sender.Finished)
	require.Len(t, s.got, count)
	for i, data := range s.got {
		require.Equal(t, byte(i), data[0])
	}
}
