package udpcast

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1ureka/udpcast/internal/protocol"
	"github.com/1ureka/udpcast/internal/sched"
	"github.com/1ureka/udpcast/internal/util"
)

// Receiver timing and sizing.
const (
	RecvWindowSize     = 64
	JoinInterval       = time.Second // delay between Join or Leave retries
	DefaultJoinRetries = 3
	SenderTimeout      = 20 * time.Second
)

const (
	keyJoin  sched.Key = "join"
	keyLeave sched.Key = "leave"
)

// State is the lifecycle state of a Receiver.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateReceiving
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateReceiving:
		return "receiving"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReceiverCallbacks connects a Receiver to its consumer. Only ConsumeData is
// required.
type ReceiverCallbacks struct {
	// ConsumeData is offered segments in sequence order. Returning false
	// declines the segment; it stays buffered and is offered again later.
	ConsumeData func(data []byte) bool

	// Join reports that the sender admitted us.
	Join func()

	// JoinTimeout reports that every Join went unanswered. nil makes it a
	// terminal failure reported through Err.
	JoinTimeout func()

	// Leave reports the end of the session: a confirmed or timed-out Leave,
	// or removal by the sender.
	Leave func()

	// AliveTimeout reports that the sender went silent. nil makes it a
	// terminal failure reported through Err.
	AliveTimeout func()
}

// ReceiverConfig holds the tunables of a Receiver.
type ReceiverConfig struct {
	ID    int64 // session token; 0 picks a random one
	Clock clockwork.Clock
}

// Receiver joins a Sender and delivers its segments in order to ConsumeData.
//
// Segments are buffered in a window of RecvWindowSize slots starting at base,
// the next sequence owed to the consumer.
type Receiver struct {
	conn  PacketWriter
	cb    ReceiverCallbacks
	clock clockwork.Clock
	sched *sched.Scheduler
	id    int64

	state  State
	base   protocol.Seq
	slots  [RecvWindowSize]segment
	offset int // slot index of base

	keepAliveTime time.Time // last sign of life from the sender
	rate          *util.RateMeter
	err           error

	stats ReceiverStats
}

// NewReceiver creates an idle Receiver writing through conn.
func NewReceiver(conn PacketWriter, cfg ReceiverConfig, cb ReceiverCallbacks) *Receiver {
	if cb.ConsumeData == nil {
		panic("udpcast: ReceiverCallbacks.ConsumeData is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ID == 0 {
		cfg.ID = util.NewSessionID()
	}

	return &Receiver{
		conn:  conn,
		cb:    cb,
		clock: cfg.Clock,
		sched: sched.New(cfg.Clock),
		id:    cfg.ID,
		rate:  util.NewRateMeter(3),
	}
}

// ID returns the session token sent in Join.
func (r *Receiver) ID() int64 { return r.id }

// State returns the lifecycle state.
func (r *Receiver) State() State { return r.state }

// Receiving reports whether the receiver is joined.
func (r *Receiver) Receiving() bool { return r.state == StateReceiving }

// Err returns the terminal failure left unhandled by the callbacks, if any.
func (r *Receiver) Err() error { return r.err }

// Stats returns the live counters.
func (r *Receiver) Stats() *ReceiverStats { return &r.stats }

// Close cancels pending timers.
func (r *Receiver) Close() {
	r.sched.CancelAll()
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Join starts the join handshake, sending a Join every JoinInterval up to
// retries times.
func (r *Receiver) Join(retries int) error {
	if r.state != StateIdle && r.state != StateJoining {
		return fmt.Errorf("%w: cannot join while %s", ErrInvalidState, r.state)
	}
	r.err = nil
	r.join(retries)
	return nil
}

func (r *Receiver) join(retries int) {
	if retries <= 0 {
		r.state = StateIdle
		util.LogWarning("no response to join")
		if r.cb.JoinTimeout != nil {
			r.cb.JoinTimeout()
		} else {
			r.err = ErrJoinTimeout
		}
		return
	}

	write(r.conn, &protocol.Join{ID: r.id}, nil)
	r.state = StateJoining
	r.sched.After(keyJoin, JoinInterval, func() { r.join(retries - 1) })
}

// Leave starts the leave handshake, sending a Leave every JoinInterval up to
// retries times. The session ends when the sender confirms or the retries
// run out.
func (r *Receiver) Leave(retries int) error {
	if r.state != StateReceiving && r.state != StateLeaving {
		return fmt.Errorf("%w: cannot leave while %s", ErrInvalidState, r.state)
	}
	r.leave(retries)
	return nil
}

func (r *Receiver) leave(retries int) {
	if retries <= 0 {
		util.LogWarning("no response to leave, closing session")
		r.endSession()
		return
	}

	write(r.conn, &protocol.Leave{}, nil)
	r.state = StateLeaving
	r.sched.After(keyLeave, JoinInterval, func() { r.leave(retries - 1) })
}

func (r *Receiver) endSession() {
	r.sched.Cancel(keyLeave)
	r.state = StateIdle
	r.keepAliveTime = time.Time{}
	if r.cb.Leave != nil {
		r.cb.Leave()
	}
}

// ---------------------------------------------------------------------------
// Event loop hooks
// ---------------------------------------------------------------------------

// HandleDatagram processes one datagram received from addr.
func (r *Receiver) HandleDatagram(b []byte, addr net.Addr) {
	defer r.publish()

	pkt, err := protocol.Decode(b)
	if err != nil {
		r.stats.MalformedCount.Add(1)
		util.LogDebug("dropping datagram from %s: %v", addr, err)
		return
	}

	switch p := pkt.(type) {
	case *protocol.JoinResponse:
		r.gotJoinResponse(p)
	case *protocol.Data:
		r.gotData(p)
	case *protocol.KeepAlive:
		r.gotKeepAlive(p)
	case *protocol.LeaveResponse:
		r.gotLeaveResponse()
	}
}

// WantsToWrite is always false: a Receiver only writes in reaction to
// datagrams and timers.
func (r *Receiver) WantsToWrite() bool { return false }

// OnWritable is a no-op.
func (r *Receiver) OnWritable() {}

// Tick runs due timers, retries a declined flush and checks the sender's
// liveness. It must be called periodically.
func (r *Receiver) Tick() {
	defer r.publish()

	r.sched.RunDue()

	if r.state == StateReceiving {
		r.flush(true)
	}

	if r.state != StateReceiving && r.state != StateLeaving {
		return
	}
	if r.clock.Since(r.keepAliveTime) > SenderTimeout {
		util.LogWarning("sender went silent for %s", SenderTimeout)
		r.sched.Cancel(keyLeave)
		r.state = StateIdle
		r.keepAliveTime = time.Time{}
		if r.cb.AliveTimeout != nil {
			r.cb.AliveTimeout()
		} else {
			r.err = ErrSenderTimeout
		}
	}
}

func (r *Receiver) gotJoinResponse(resp *protocol.JoinResponse) {
	if resp.ID != r.id || !resp.Accept {
		return
	}

	switch r.state {
	case StateJoining:
		r.sched.Cancel(keyJoin)
		write(r.conn, resp, nil)

		r.state = StateReceiving
		r.base = resp.Seq
		r.offset = 0
		for i := range r.slots {
			r.slots[i].reset()
		}
		r.keepAliveTime = r.clock.Now()
		util.LogInfo("joined at seq %d", r.base)
		if r.cb.Join != nil {
			r.cb.Join()
		}

	case StateReceiving:
		// The sender rebroadcast after a lost echo; echo again for the RTT.
		write(r.conn, resp, nil)
	}
}

func (r *Receiver) gotData(d *protocol.Data) {
	if r.state != StateReceiving {
		return
	}

	now := r.clock.Now()
	r.keepAliveTime = now
	r.rate.Add(now, len(d.Payload))

	index := d.Seq.Diff(r.base)
	switch {
	case index >= RecvWindowSize:
		r.stats.InvalidDataCount.Add(1)

	case index < 0:
		r.stats.StaleDataCount.Add(1)

	default:
		r.stats.DataCount.Add(1)
		slot := r.slot(index)
		if slot.ok {
			r.stats.DataDuplicate.Add(1)
		}
		slot.set(d.Payload)
		r.flush(false)
	}

	if d.Solicit && r.state == StateReceiving {
		r.sendUpdate(d.Tick, d.MaxSeq)
	}
}

func (r *Receiver) gotKeepAlive(ka *protocol.KeepAlive) {
	if r.state != StateReceiving {
		return
	}

	r.keepAliveTime = r.clock.Now()
	r.stats.KeepAliveCount.Add(1)
	r.flush(false)
	if r.state == StateReceiving {
		r.sendUpdate(ka.Tick, ka.MaxSeq)
	}
}

func (r *Receiver) gotLeaveResponse() {
	switch r.state {
	case StateLeaving:
		util.LogInfo("left the session")
		r.endSession()
	case StateReceiving:
		util.LogWarning("removed by the sender")
		r.endSession()
	}
}

// ---------------------------------------------------------------------------
// Receive window
// ---------------------------------------------------------------------------

func (r *Receiver) slot(i int) *segment {
	return &r.slots[(r.offset+i)%RecvWindowSize]
}

// pendingSize counts the contiguous buffered segments starting at base.
func (r *Receiver) pendingSize() int {
	n := 0
	for n < RecvWindowSize && r.slot(n).ok {
		n++
	}
	return n
}

// windowFill counts every buffered segment.
func (r *Receiver) windowFill() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].ok {
			n++
		}
	}
	return n
}

// flush hands the contiguous run at base to the consumer until it declines.
// With update set, progress is acknowledged with an Update.
func (r *Receiver) flush(update bool) {
	progressed := false
	for {
		slot := r.slot(0)
		if !slot.ok || !r.cb.ConsumeData(slot.data) {
			break
		}
		r.stats.ContentLength.Add(int64(len(slot.data)))
		slot.reset()
		r.offset = (r.offset + 1) % RecvWindowSize
		r.base++
		progressed = true
	}

	// ConsumeData may have ended the session.
	if update && progressed && r.state == StateReceiving {
		r.sendUpdate(0, r.base)
	}
}

// sendUpdate reports the receive window to the sender. Seq covers everything
// buffered contiguously; the bitmap marks the segments held beyond it, up to
// the sender's maxSeq.
func (r *Receiver) sendUpdate(tick uint32, maxSeq protocol.Seq) {
	if r.state != StateReceiving {
		panic(fmt.Sprintf("udpcast: update while %s", r.state))
	}

	offset := r.pendingSize()
	u := &protocol.Update{
		Seq:  r.base.Add(offset),
		Tick: tick,
		Rate: float32(r.rate.Rate(r.clock.Now())),
	}
	u.MaxSeq = u.Seq

	var bitmap [RecvWindowSize / 8]byte
	for i := offset; i < RecvWindowSize; i++ {
		if !r.base.Add(i).Before(maxSeq) {
			break
		}
		if r.slot(i).ok {
			u.MaxSeq = r.base.Add(i + 1)
			protocol.Mark(bitmap[:], i-offset)
		}
	}

	// Nothing held past the gap: still report the first missing segment.
	if u.Seq == u.MaxSeq && u.MaxSeq.Before(maxSeq) && offset < RecvWindowSize {
		u.MaxSeq++
	}

	u.Bitmap = bitmap[:(u.MaxSeq.Diff(u.Seq)+7)>>3]
	write(r.conn, u, nil)
	r.stats.UpdateCount.Add(1)
}

// publish copies the gauges into the stats.
func (r *Receiver) publish() {
	r.stats.window.Store(int64(r.windowFill()))
	r.stats.base.Store(uint32(r.base))
	r.stats.rate.Store(math.Float64bits(r.rate.Rate(r.clock.Now())))
}
