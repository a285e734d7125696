// Package transport opens the byte streams and datagram sockets the swarm runs on.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

const DefaultDialTimeout = 5 * time.Second

// Dialer opens outbound streams to peers. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPDialer returns a Dialer for plain TCP with the given connect timeout.
func TCPDialer(timeout time.Duration) *net.Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
}

// Dial connects to a peer endpoint.
func Dial(ctx context.Context, d Dialer, addr netip.AddrPort) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("error connecting to peer %s: %w", addr, err)
	}
	return conn, nil
}

// Listen opens the TCP listener for incoming peer connections.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", addr, err)
	}
	return l, nil
}

// ListenPacket opens the UDP socket used by the DHT.
func ListenPacket(ctx context.Context, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("error listening on udp %s: %w", addr, err)
	}
	return pc, nil
}

// ListenMulticast joins an IPv4 multicast group on every interface, for local
// service discovery.
func ListenMulticast(group *net.UDPAddr) (net.PacketConn, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("error joining multicast group %s: %w", group, err)
	}
	return conn, nil
}

// Port returns the port a listener or packet socket is bound to.
func Port(a net.Addr) int {
	switch a := a.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return 0
	}
	return int(ap.Port())
}

// RemoteAddrPort returns a connection's remote endpoint with IPv4-mapped addresses
// unmapped. ok is false for transports without IP endpoints such as net.Pipe.
func RemoteAddrPort(conn net.Conn) (netip.AddrPort, bool) {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
	return netip.AddrPort{}, false
}
