// Package transport binds a udpcast endpoint to a UDP socket and drives it
// from a single-threaded event loop.
package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/ipv4"

	"github.com/1ureka/udpcast/internal/util"
)

// ErrNoDestination is returned by WritePacket when neither an address nor a
// default destination is available.
var ErrNoDestination = errors.New("no destination address")

// Config describes one UDP socket.
type Config struct {
	Bind       string // local address, host:port
	Dest       string // default destination, host:port; may be a multicast group
	Group      string // multicast group to join for receiving, empty for none
	Interface  string // multicast interface name, empty for the system default
	TTL        int    // multicast TTL for outgoing group traffic
	Loopback   bool   // deliver our own group traffic back to local sockets
	SendBuffer int    // SO_SNDBUF in bytes, 0 keeps the system default
	RecvBuffer int    // SO_RCVBUF in bytes, 0 keeps the system default
	RateLimit  int64  // outgoing bytes per second, 0 for unlimited
	Clock      clockwork.Clock
}

// Socket is a UDP socket with an optional default destination, multicast
// membership and an outgoing rate limit. WritePacket may only be called from
// the goroutine running the Loop.
type Socket struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	dest  *net.UDPAddr
	pacer *pacer
	clock clockwork.Clock
}

// Listen opens the socket described by cfg.
func Listen(cfg Config) (*Socket, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	laddr, err := net.ResolveUDPAddr("udp4", cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", cfg.Bind, err)
	}

	var dest *net.UDPAddr
	if cfg.Dest != "" {
		if dest, err = net.ResolveUDPAddr("udp4", cfg.Dest); err != nil {
			return nil, fmt.Errorf("invalid destination address %q: %w", cfg.Dest, err)
		}
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", cfg.Bind, err)
	}

	s := &Socket{
		conn:  conn,
		pc:    ipv4.NewPacketConn(conn),
		dest:  dest,
		pacer: newPacer(cfg.RateLimit, cfg.Clock),
		clock: cfg.Clock,
	}

	if err := s.configure(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	util.LogDebug("socket bound to %s", conn.LocalAddr())
	return s, nil
}

func (s *Socket) configure(cfg Config) error {
	if cfg.SendBuffer > 0 {
		if err := s.conn.SetWriteBuffer(cfg.SendBuffer); err != nil {
			return fmt.Errorf("failed to set send buffer: %w", err)
		}
	}
	if cfg.RecvBuffer > 0 {
		if err := s.conn.SetReadBuffer(cfg.RecvBuffer); err != nil {
			return fmt.Errorf("failed to set receive buffer: %w", err)
		}
	}

	if cfg.Group != "" {
		if err := joinGroup(s.pc, cfg.Group, cfg.Interface); err != nil {
			return err
		}
	}
	if s.dest != nil && s.dest.IP.IsMulticast() {
		if err := setupMulticastSend(s.pc, cfg.Interface, cfg.TTL, cfg.Loopback); err != nil {
			return err
		}
	}
	return nil
}

// SetDest changes the default destination. It must not be called while a
// Loop is running on the socket.
func (s *Socket) SetDest(addr string) error {
	dest, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("invalid destination address %q: %w", addr, err)
	}
	s.dest = dest
	return nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close closes the socket, unblocking a running Loop.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// WritePacket sends b to addr, or to the default destination when addr is
// nil.
func (s *Socket) WritePacket(b []byte, addr net.Addr) error {
	if addr == nil {
		if s.dest == nil {
			return ErrNoDestination
		}
		addr = s.dest
	}

	n, err := s.conn.WriteTo(b, addr)
	if err != nil {
		return err
	}

	s.pacer.consume(n)
	util.Stats.AddSent(n)
	return nil
}

// ReadPacket blocks until a datagram arrives. The returned slice is owned by
// the caller.
func (s *Socket) ReadPacket() ([]byte, net.Addr, error) {
	buf := make([]byte, maxDatagramSize)
	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	util.Stats.AddRecv(n)
	return buf[:n], addr, nil
}
