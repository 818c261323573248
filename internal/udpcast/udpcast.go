// Package udpcast implements a reliable multicast transport over UDP: one
// Sender distributes a stream of segments to any number of Receivers, which
// report what they hold through selective acknowledgements.
//
// Both endpoints are single-threaded state machines. They never block and
// never start goroutines; an event loop feeds them datagrams, calls Tick
// periodically and calls OnWritable while WantsToWrite reports true.
package udpcast

import (
	"errors"
	"net"
	"time"

	"github.com/1ureka/udpcast/internal/protocol"
	"github.com/1ureka/udpcast/internal/util"
)

// Liveness failures surfaced by a Receiver whose callbacks leave them unhandled.
var (
	ErrJoinTimeout   = errors.New("join timeout")
	ErrSenderTimeout = errors.New("sender timeout")
	ErrInvalidState  = errors.New("invalid state")
)

// PacketWriter transmits one datagram. A nil addr means the endpoint's
// default destination: the group (or unicast peer) for a Sender, the sender
// for a Receiver.
type PacketWriter interface {
	WritePacket(b []byte, addr net.Addr) error
}

// segment is one slot of a send or receive window. A zero-length segment is
// valid, so presence is tracked separately from the payload.
type segment struct {
	data []byte
	ok   bool
}

func (s *segment) set(data []byte) {
	s.data = data
	s.ok = true
}

func (s *segment) reset() {
	s.data = nil
	s.ok = false
}

// ticker produces the 32-bit microsecond timestamps carried in packets.
// Zero is reserved for "no echo requested".
type ticker struct {
	epoch time.Time
}

func (t ticker) at(now time.Time) uint32 {
	tick := uint32(now.Sub(t.epoch).Microseconds())
	if tick == 0 {
		tick = 1
	}
	return tick
}

// elapsed returns the time since tick was produced, or zero when the echo
// is absent or from the future.
func (t ticker) elapsed(now time.Time, tick uint32) time.Duration {
	if tick == 0 {
		return 0
	}
	d := int32(t.at(now) - tick)
	if d <= 0 {
		return 0
	}
	return time.Duration(d) * time.Microsecond
}

// write encodes pkt and hands it to w. Write failures are logged and
// otherwise ignored: the protocol recovers from a lost datagram.
func write(w PacketWriter, pkt protocol.Packet, addr net.Addr) {
	b := protocol.Encode(pkt)
	if err := w.WritePacket(b, addr); err != nil {
		util.LogDebug("failed to send %s packet: %v", pkt.Type(), err)
	}
}

// hostOf returns the IP part of addr.
func hostOf(addr net.Addr) net.IP {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
