package udpcast_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/udpcast/internal/protocol"
	"github.com/1ureka/udpcast/internal/udpcast"
)

// groupAddr stands for the multicast group in the fake network.
var groupAddr = &net.UDPAddr{IP: net.IPv4(239, 0, 0, 1), Port: 6000}

// datagram is one packet in flight.
type datagram struct {
	from, to net.Addr
	data     []byte
}

func (d datagram) typ() protocol.Type { return protocol.PeekType(d.data) }

func (d datagram) seq() protocol.Seq {
	ka, _ := protocol.PeekKeepAlive(d.data)
	return ka.Seq
}

// fakeNet is an in-memory network with FIFO delivery. The drop filter is
// consulted once per (datagram, destination) pair.
type fakeNet struct {
	t      *testing.T
	queue  []datagram
	sent   []datagram
	drop   func(d datagram, to net.Addr) bool
	sender *udpcast.Sender
	sAddr  net.Addr
	recv   map[string]*udpcast.Receiver
	order  []net.Addr // receiver addresses in join order
}

func newFakeNet(t *testing.T) *fakeNet {
	return &fakeNet{
		t:     t,
		sAddr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6000},
		recv:  make(map[string]*udpcast.Receiver),
	}
}

// port is the PacketWriter of one endpoint.
type port struct {
	net  *fakeNet
	addr net.Addr
	dest net.Addr
}

func (p *port) WritePacket(b []byte, addr net.Addr) error {
	if addr == nil {
		addr = p.dest
	}
	data := make([]byte, len(b))
	copy(data, b)
	d := datagram{from: p.addr, to: addr, data: data}
	p.net.queue = append(p.net.queue, d)
	p.net.sent = append(p.net.sent, d)
	return nil
}

func (n *fakeNet) senderPort() *port {
	return &port{net: n, addr: n.sAddr, dest: groupAddr}
}

func (n *fakeNet) receiverPort(addr net.Addr) *port {
	return &port{net: n, addr: addr, dest: n.sAddr}
}

func (n *fakeNet) addReceiver(addr net.Addr, r *udpcast.Receiver) {
	n.recv[addr.String()] = r
	n.order = append(n.order, addr)
}

func (n *fakeNet) deliver(d datagram) {
	if d.to.String() == groupAddr.String() {
		for _, addr := range n.order {
			if n.drop == nil || !n.drop(d, addr) {
				n.recv[addr.String()].HandleDatagram(d.data, d.from)
			}
		}
		return
	}

	if n.drop != nil && n.drop(d, d.to) {
		return
	}
	if d.to.String() == n.sAddr.String() {
		if n.sender != nil {
			n.sender.HandleDatagram(d.data, d.from)
		}
		return
	}
	if r, ok := n.recv[d.to.String()]; ok {
		r.HandleDatagram(d.data, d.from)
	}
}

// pump delivers datagrams and write opportunities until the network is quiet.
func (n *fakeNet) pump() {
	for i := 0; ; i++ {
		require.Less(n.t, i, 100000, "network did not settle")

		if n.sender != nil && n.sender.WantsToWrite() {
			n.sender.OnWritable()
			continue
		}
		if len(n.queue) == 0 {
			return
		}
		d := n.queue[0]
		n.queue = n.queue[1:]
		n.deliver(d)
	}
}

// count returns how many datagrams matching fn were sent.
func (n *fakeNet) count(fn func(d datagram) bool) int {
	c := 0
	for _, d := range n.sent {
		if fn(d) {
			c++
		}
	}
	return c
}

func ofType(t protocol.Type) func(d datagram) bool {
	return func(d datagram) bool { return d.typ() == t }
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

// sink is a consumer that records delivered segments.
type sink struct {
	got     [][]byte
	decline func(data []byte) bool
}

func (s *sink) consume(data []byte) bool {
	if s.decline != nil && s.decline(data) {
		return false
	}
	s.got = append(s.got, data)
	return true
}

// source produces count segments; segment i holds size bytes of value i.
func source(count, size int) func(int) ([]byte, bool) {
	next := 0
	return func(maxSize int) ([]byte, bool) {
		if next == count {
			return nil, false
		}
		data := make([]byte, min(size, maxSize))
		for i := range data {
			data[i] = byte(next)
		}
		next++
		return data, true
	}
}

func segments(count, size int) [][]byte {
	out := make([][]byte, count)
	for i := range out {
		out[i] = make([]byte, size)
		for j := range out[i] {
			out[i][j] = byte(i)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	clock  clockwork.FakeClock
	net    *fakeNet
	sender *udpcast.Sender
	sinks  []*sink
	rx     []*udpcast.Receiver
}

func newHarness(t *testing.T, cfg udpcast.SenderConfig, cb udpcast.SenderCallbacks) *harness {
	h := &harness{
		t:     t,
		clock: clockwork.NewFakeClock(),
		net:   newFakeNet(t),
	}
	cfg.Clock = h.clock
	h.sender = udpcast.NewSender(h.net.senderPort(), cfg, cb)
	h.net.sender = h.sender
	return h
}

// addReceiver creates a receiver on its own address and starts joining.
func (h *harness) addReceiver(cb udpcast.ReceiverCallbacks) (*udpcast.Receiver, *sink) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 1, byte(len(h.rx)+1)), Port: 7000}
	s := &sink{}
	if cb.ConsumeData == nil {
		cb.ConsumeData = s.consume
	}

	r := udpcast.NewReceiver(h.net.receiverPort(addr), udpcast.ReceiverConfig{
		ID:    int64(1000 + len(h.rx)),
		Clock: h.clock,
	}, cb)
	h.net.addReceiver(addr, r)
	h.rx = append(h.rx, r)
	h.sinks = append(h.sinks, s)

	require.NoError(h.t, r.Join(udpcast.DefaultJoinRetries))
	h.net.pump()
	return r, s
}

// step advances the clock, ticks every endpoint and settles the network.
func (h *harness) step(d time.Duration) {
	h.clock.Advance(d)
	h.sender.Tick()
	for _, r := range h.rx {
		r.Tick()
	}
	h.net.pump()
}

// runUntil steps in 10ms increments until done reports true or limit passes.
func (h *harness) runUntil(limit time.Duration, done func() bool) {
	for elapsed := time.Duration(0); elapsed < limit; elapsed += 10 * time.Millisecond {
		if done() {
			return
		}
		h.step(10 * time.Millisecond)
	}
	require.True(h.t, done(), fmt.Sprintf("condition not reached within %s", limit))
}
