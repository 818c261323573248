package udpcast

import (
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1ureka/udpcast/internal/protocol"
	"github.com/1ureka/udpcast/internal/sched"
	"github.com/1ureka/udpcast/internal/util"
)

// Sender timing and sizing.
const (
	SendWindowSize        = 256
	DefaultMaxSegmentSize = 1400
	KeepAliveInterval     = time.Second      // per-client keepalive when a client was not refreshed
	ClientTimeout         = 15 * time.Second // drop a client silent for this long
	SlownessCheckInterval = 3 * time.Second
	DefaultRTT            = 500 * time.Millisecond
)

const keyKeepAlive sched.Key = "keepalive"

// SenderCallbacks connects a Sender to its application. Only GetData is
// required.
type SenderCallbacks struct {
	// GetData returns the next segment of at most maxSize bytes. ok=false
	// marks the end of the stream. The Sender keeps the returned slice.
	GetData func(maxSize int) (data []byte, ok bool)

	// Join decides whether a new receiver is admitted. nil admits everyone.
	Join func(addr net.Addr) bool

	// Leave reports a receiver that left or was removed.
	Leave func(addr net.Addr)

	// Timeout reports a receiver dropped for not sending updates.
	Timeout func(addr net.Addr)

	// TooSlow is offered receivers whose RTT exceeds the slowness
	// threshold; returning true evicts them. nil never evicts.
	TooSlow func(addr net.Addr) bool
}

// SenderConfig holds the tunables of a Sender.
type SenderConfig struct {
	MaxSegmentSize int     // largest payload pulled from GetData
	SlownessFactor float64 // 0 disables slowness eviction
	Clock          clockwork.Clock
}

func (c *SenderConfig) setDefaults() {
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if c.MaxSegmentSize > protocol.MaxPayloadSize {
		c.MaxSegmentSize = protocol.MaxPayloadSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Sender distributes segments pulled from GetData to every joined receiver.
//
// The send window holds up to SendWindowSize segments starting at base, the
// lowest sequence not yet acknowledged by every client. New segments are only
// offered once every client has acknowledged everything sent so far.
type Sender struct {
	conn  PacketWriter
	cfg   SenderConfig
	cb    SenderCallbacks
	clock clockwork.Clock
	sched *sched.Scheduler
	tick  ticker

	clients map[string]*client

	base   protocol.Seq // lowest unacknowledged sequence
	maxSeq protocol.Seq // next sequence to transmit for the first time
	slots  [SendWindowSize]segment
	offset int // slot index of base

	naks      map[protocol.Seq]struct{}
	update    bool // an Update arrived since the last Tick
	eof       bool
	rtt       time.Duration
	lastCheck time.Time // last slowness check

	stats SenderStats
}

// NewSender creates a Sender writing through conn.
func NewSender(conn PacketWriter, cfg SenderConfig, cb SenderCallbacks) *Sender {
	if cb.GetData == nil {
		panic("udpcast: SenderCallbacks.GetData is required")
	}
	cfg.setDefaults()

	now := cfg.Clock.Now()
	s := &Sender{
		conn:      conn,
		cfg:       cfg,
		cb:        cb,
		clock:     cfg.Clock,
		sched:     sched.New(cfg.Clock),
		tick:      ticker{epoch: now},
		clients:   make(map[string]*client),
		naks:      make(map[protocol.Seq]struct{}),
		rtt:       DefaultRTT,
		lastCheck: now,
	}
	s.publish()
	return s
}

// Stats returns the live counters.
func (s *Sender) Stats() *SenderStats { return &s.stats }

// ClientCount returns the number of joined receivers.
func (s *Sender) ClientCount() int { return len(s.clients) }

// RTT returns the mean round-trip time across clients.
func (s *Sender) RTT() time.Duration { return s.rtt }

// WindowSize returns the governing window: the largest client window.
func (s *Sender) WindowSize() int {
	var w float64
	for _, c := range s.clients {
		w = max(w, c.window)
	}
	return int(w)
}

// Finished reports whether the data source has ended and every client has
// acknowledged everything that was sent.
func (s *Sender) Finished() bool {
	return s.eof && s.allDataAccepted()
}

// Close cancels pending timers.
func (s *Sender) Close() {
	s.sched.CancelAll()
}

// ---------------------------------------------------------------------------
// Event loop hooks
// ---------------------------------------------------------------------------

// HandleDatagram processes one datagram received from addr.
func (s *Sender) HandleDatagram(b []byte, addr net.Addr) {
	defer s.publish()

	pkt, err := protocol.Decode(b)
	if err != nil {
		s.stats.InvalidUpdateCount.Add(1)
		util.LogDebug("dropping datagram from %s: %v", addr, err)
		return
	}

	switch p := pkt.(type) {
	case *protocol.Join:
		s.gotJoin(p, addr)
	case *protocol.JoinResponse:
		s.gotJoinResponse(p, addr)
	case *protocol.Update:
		s.gotUpdate(p, addr)
	case *protocol.Leave:
		s.gotLeave(addr)
	default:
		// Our own group traffic looped back, or another sender on the group.
	}
}

// WantsToWrite reports whether OnWritable has anything to send.
func (s *Sender) WantsToWrite() bool {
	if len(s.clients) == 0 {
		return false
	}
	if len(s.naks) > 0 {
		return true
	}
	if !s.allDataAccepted() {
		return false
	}

	window := s.WindowSize()
	if !s.base.Add(window).After(s.maxSeq) {
		return false
	}
	if s.eof {
		// Only segments pulled before the end of the stream remain.
		return s.slot(s.maxSeq.Diff(s.base)).ok
	}
	return true
}

// OnWritable retransmits every NAK'd segment and, once the round barrier is
// open, transmits the next round of up to WindowSize segments.
func (s *Sender) OnWritable() {
	defer s.publish()

	if len(s.naks) > 0 {
		if len(s.clients) == 0 {
			clear(s.naks)
		} else {
			for _, seq := range s.sortedNaks() {
				s.sendSeqData(seq, true)
				s.stats.NakCount.Add(1)
			}
		}
	}

	if !s.allDataAccepted() {
		return
	}

	window := s.WindowSize()
	for i := 0; i < window; i++ {
		slot := s.slot(i)
		if !slot.ok {
			if s.eof {
				break
			}
			data, ok := s.cb.GetData(s.cfg.MaxSegmentSize)
			if !ok {
				s.eof = true
				util.LogDebug("data source ended at seq %d", s.base.Add(i))
				break
			}
			if len(data) > s.cfg.MaxSegmentSize {
				panic(fmt.Sprintf("udpcast: segment of %d bytes exceeds %d", len(data), s.cfg.MaxSegmentSize))
			}
			slot.set(data)
			s.stats.ContentLength.Add(int64(len(data)))
		}

		seq := s.base.Add(i)
		if seq.Before(s.maxSeq) {
			continue
		}
		s.sendSeqData(seq, i == window/2 || i+1 == window)
	}
}

// Tick runs due timers, folds pending updates into the send window and
// enforces client liveness. It must be called periodically.
func (s *Sender) Tick() {
	defer s.publish()

	s.sched.RunDue()
	now := s.clock.Now()

	if s.update {
		s.compact()
		s.update = false
	}

	for key, c := range s.clients {
		if now.Sub(c.updateTime) > ClientTimeout {
			delete(s.clients, key)
			s.update = true
			util.LogWarning("receiver %s timed out", c.addr)
			if s.cb.Timeout != nil {
				s.cb.Timeout(c.addr)
			}
			continue
		}

		if now.Sub(c.keepAliveTime) > KeepAliveInterval {
			s.sendKeepAlive(c)
		}
	}

	if now.Sub(s.lastCheck) >= SlownessCheckInterval {
		s.checkSlowness()
		s.lastCheck = now
	}
}

// ---------------------------------------------------------------------------
// Receiver management
// ---------------------------------------------------------------------------

// SendKeepAlive broadcasts a KeepAlive to the group.
func (s *Sender) SendKeepAlive() {
	s.sendKeepAlive(nil)
	s.publish()
}

// Leave removes the receiver at addr, tells it so and reports it through
// the Leave callback. It returns false for an unknown address.
func (s *Sender) Leave(addr net.Addr) bool {
	defer s.publish()

	c, ok := s.clients[addr.String()]
	if !ok {
		return false
	}
	s.remove(c)
	return true
}

// Disconnect removes every receiver on the given host and returns how many
// were removed.
func (s *Sender) Disconnect(host net.IP) int {
	defer s.publish()

	count := 0
	for _, c := range s.clients {
		if hostOf(c.addr).Equal(host) {
			s.remove(c)
			count++
		}
	}
	return count
}

// DisconnectAll removes every receiver.
func (s *Sender) DisconnectAll() int {
	defer s.publish()

	count := 0
	for _, c := range s.clients {
		s.remove(c)
		count++
	}
	return count
}

func (s *Sender) remove(c *client) {
	delete(s.clients, c.addr.String())
	s.update = true
	write(s.conn, &protocol.LeaveResponse{}, c.addr)
	util.LogInfo("receiver %s removed", c.addr)
	if s.cb.Leave != nil {
		s.cb.Leave(c.addr)
	}
}

func (s *Sender) gotJoin(j *protocol.Join, addr net.Addr) {
	now := s.clock.Now()
	key := addr.String()

	c, known := s.clients[key]
	switch {
	case known && c.id == j.ID:
		// Join retry; our response was lost. Keep the progress.
		util.LogDebug("repeated join from %s", addr)

	default:
		if known {
			delete(s.clients, key)
			util.LogInfo("receiver %s rejoined with a new session", addr)
			if s.cb.Leave != nil {
				s.cb.Leave(addr)
			}
		}
		if s.cb.Join != nil && !s.cb.Join(addr) {
			util.LogInfo("join from %s rejected", addr)
			return
		}

		c = newClient(addr, j.ID, s.base, now)
		s.clients[key] = c
		s.updateRTT()
		util.LogInfo("receiver %s joined at seq %d (%d receivers)", addr, s.base, len(s.clients))
	}

	c.updateTime = now
	write(s.conn, &protocol.JoinResponse{
		ID:     j.ID,
		Seq:    s.base,
		Tick:   s.tick.at(now),
		Accept: true,
	}, nil)
}

// gotJoinResponse handles the receiver's echo of our JoinResponse, which
// gives the first RTT sample.
func (s *Sender) gotJoinResponse(r *protocol.JoinResponse, addr net.Addr) {
	c, ok := s.clients[addr.String()]
	if !ok || c.id != r.ID {
		return
	}

	now := s.clock.Now()
	c.updateTime = now
	if rtt := s.tick.elapsed(now, r.Tick); rtt > 0 {
		c.rtt = min(rtt, MaxRTT)
	}
}

func (s *Sender) gotLeave(addr net.Addr) {
	c, ok := s.clients[addr.String()]
	if !ok {
		return
	}
	s.remove(c)
}

// gotUpdate folds a receiver's selective acknowledgement into its client
// state: acknowledged prefix, NAK set, RTT and congestion window.
func (s *Sender) gotUpdate(u *protocol.Update, addr net.Addr) {
	s.stats.UpdateCount.Add(1)

	c, ok := s.clients[addr.String()]
	if !ok {
		s.stats.InvalidUpdateCount.Add(1)
		return
	}

	now := s.clock.Now()
	c.updateTime = now
	c.rate = u.Rate

	if u.Seq.Before(s.base) || u.Seq.Before(c.seq) {
		// Reordered or duplicated update.
		return
	}
	if u.Seq.After(s.maxSeq) {
		s.stats.InvalidUpdateCount.Add(1)
		util.LogDebug("update from %s acknowledges %d beyond %d", addr, u.Seq, s.maxSeq)
		return
	}

	clear(c.naks)
	if u.Seq == c.seq {
		c.lostCount++
	} else {
		c.seq = u.Seq
		c.lostCount = 0
	}

	if rtt := s.tick.elapsed(now, u.Tick); rtt > 0 {
		c.sampleRTT(rtt)
	}

	lost := 0
	for i := 0; i < u.MaxSeq.Diff(u.Seq); i++ {
		seq := u.Seq.Add(i)
		if !seq.Before(s.maxSeq) {
			break
		}
		if !u.Received(i) {
			c.naks[seq] = struct{}{}
			lost++
		}
	}

	c.adjustWindow(lost)
	s.updateRTT()
	s.update = true
}

// updateRTT recomputes the sender RTT as the mean of known client RTTs.
func (s *Sender) updateRTT() {
	var sum time.Duration
	n := 0
	for _, c := range s.clients {
		if c.rtt > 0 {
			sum += c.rtt
			n++
		}
	}
	if n == 0 {
		s.rtt = DefaultRTT
		return
	}
	s.rtt = sum / time.Duration(n)
}

// checkSlowness offers every client whose RTT exceeds SlownessFactor over
// the mean client throughput (1/RTT) to the TooSlow callback.
func (s *Sender) checkSlowness() {
	if s.cfg.SlownessFactor <= 0 || len(s.clients) == 0 {
		return
	}

	var avg float64
	n := 0
	for _, c := range s.clients {
		if c.rtt > 0 {
			avg += 1 / c.rtt.Seconds()
			n++
		}
	}
	if n == 0 {
		return
	}
	avg /= float64(n)
	threshold := s.cfg.SlownessFactor / avg

	for _, c := range s.clients {
		if c.rtt.Seconds() <= threshold {
			continue
		}
		if s.cb.TooSlow != nil && s.cb.TooSlow(c.addr) {
			util.LogWarning("evicting slow receiver %s (rtt %s, threshold %.1fms)", c.addr, c.rtt, threshold*1000)
			s.remove(c)
		}
	}
}

// ---------------------------------------------------------------------------
// Send window
// ---------------------------------------------------------------------------

// slot returns the window slot i positions after base.
func (s *Sender) slot(i int) *segment {
	return &s.slots[(s.offset+i)%SendWindowSize]
}

// allDataAccepted reports whether every client has acknowledged maxSeq.
// This is the round barrier.
func (s *Sender) allDataAccepted() bool {
	for _, c := range s.clients {
		if s.maxSeq.After(c.seq) {
			return false
		}
	}
	return true
}

// compact rebuilds the global NAK set from the clients and advances base to
// the lowest acknowledged sequence, freeing the slots behind it.
func (s *Sender) compact() {
	clear(s.naks)
	if len(s.clients) == 0 {
		return
	}

	low := s.maxSeq
	for _, c := range s.clients {
		low = low.Min(c.seq)
	}
	if low.Before(s.base) {
		panic(fmt.Sprintf("udpcast: client acknowledgement %d behind base %d", low, s.base))
	}

	for s.base != low {
		s.slots[s.offset].reset()
		s.offset = (s.offset + 1) % SendWindowSize
		s.base++
	}

	for _, c := range s.clients {
		for seq := range c.naks {
			if !seq.Before(s.base) {
				s.naks[seq] = struct{}{}
			}
		}
	}
}

func (s *Sender) sortedNaks() []protocol.Seq {
	seqs := make([]protocol.Seq, 0, len(s.naks))
	for seq := range s.naks {
		seqs = append(seqs, seq)
	}
	slices.SortFunc(seqs, func(a, b protocol.Seq) int { return a.Diff(b) })
	return seqs
}

// sendSeqData transmits the segment at seq. A keepAlive transmission
// solicits an Update and restarts the keepalive timer.
func (s *Sender) sendSeqData(seq protocol.Seq, keepAlive bool) {
	index := seq.Diff(s.base)
	if index < 0 || index >= SendWindowSize {
		panic(fmt.Sprintf("udpcast: seq %d not within send window at %d", seq, s.base))
	}
	slot := s.slot(index)
	if !slot.ok {
		panic(fmt.Sprintf("udpcast: seq %d has no segment", seq))
	}

	now := s.clock.Now()
	if keepAlive {
		s.armKeepAlive()
		for _, c := range s.clients {
			c.keepAliveTime = now
		}
	}

	if !seq.Before(s.maxSeq) {
		s.maxSeq = seq.Add(1)
	}

	write(s.conn, &protocol.Data{
		KeepAlive: protocol.KeepAlive{Seq: seq, MaxSeq: s.maxSeq, Tick: s.tick.at(now)},
		Solicit:   keepAlive,
		Payload:   slot.data,
	}, nil)

	delete(s.naks, seq)
	s.stats.SendLength.Add(int64(len(slot.data)))
	s.stats.SendCount.Add(1)
}

// ---------------------------------------------------------------------------
// Keepalive
// ---------------------------------------------------------------------------

// armKeepAlive schedules a broadcast KeepAlive three RTTs from now. If it
// fires, no Update arrived in time: the RTT estimate is tripled first.
func (s *Sender) armKeepAlive() {
	s.sched.After(keyKeepAlive, 3*s.rtt, func() {
		s.rtt = min(s.rtt*3, MaxRTT)
		s.sendKeepAlive(nil)
	})
}

// sendKeepAlive sends a KeepAlive to the group, or to a single client.
func (s *Sender) sendKeepAlive(c *client) {
	now := s.clock.Now()
	pkt := &protocol.KeepAlive{Seq: s.base, MaxSeq: s.maxSeq, Tick: s.tick.at(now)}

	if c == nil {
		write(s.conn, pkt, nil)
		s.armKeepAlive()
		for _, other := range s.clients {
			other.keepAliveTime = now
		}
	} else {
		pkt.Seq = s.base.Max(c.seq)
		write(s.conn, pkt, c.addr)
		c.keepAliveTime = now
	}

	s.stats.KeepAliveCount.Add(1)
}

// publish copies the gauges into the stats.
func (s *Sender) publish() {
	s.stats.rtt.Store(s.rtt.Microseconds())
	s.stats.window.Store(int64(s.WindowSize()))
	s.stats.clients.Store(int64(len(s.clients)))
	s.stats.base.Store(uint32(s.base))
	s.stats.maxSeq.Store(uint32(s.maxSeq))
}
