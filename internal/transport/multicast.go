package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// lookupInterface resolves a multicast interface name. An empty name selects
// the system default (nil).
func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("unknown interface %q: %w", name, err)
	}
	return ifi, nil
}

// joinGroup subscribes the socket to a multicast group.
func joinGroup(pc *ipv4.PacketConn, group, ifname string) error {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", group)
	}

	ifi, err := lookupInterface(ifname)
	if err != nil {
		return err
	}

	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: ip}); err != nil {
		return fmt.Errorf("failed to join group %s: %w", group, err)
	}
	return nil
}

// setupMulticastSend configures outgoing group traffic.
func setupMulticastSend(pc *ipv4.PacketConn, ifname string, ttl int, loopback bool) error {
	ifi, err := lookupInterface(ifname)
	if err != nil {
		return err
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("failed to set multicast interface: %w", err)
		}
	}

	if ttl > 0 {
		if err := pc.SetMulticastTTL(ttl); err != nil {
			return fmt.Errorf("failed to set multicast TTL: %w", err)
		}
	}

	if err := pc.SetMulticastLoopback(loopback); err != nil {
		return fmt.Errorf("failed to set multicast loopback: %w", err)
	}
	return nil
}
