// Package netp2p implements the channel layer of spec.md section 4.C: a
// datagram transport for fire-and-forget gossip, a stream transport for
// backpressured request/response exchanges, and the per-peer channel table
// and node_id_handshake state machine that sit above both.
package netp2p

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a UDP/TCP reachability tuple, always stored with IP as the
// 16-byte IPv4-in-IPv6 form so two Endpoints compare equal regardless of
// which address family a peer happened to advertise over.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// ParseEndpoint parses a "host:port" string into canonical form.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netp2p: invalid endpoint %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("netp2p: invalid endpoint host %q", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("netp2p: invalid endpoint port %q: %w", portStr, err)
	}
	return Endpoint{IP: ip.To16(), Port: uint16(port)}, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// Key returns a comparable value suitable for use as a map key, since
// net.IP is a slice and can't be compared or used as a map key directly.
func (e Endpoint) Key() [18]byte {
	var k [18]byte
	copy(k[:16], e.IP.To16())
	k[16] = byte(e.Port >> 8)
	k[17] = byte(e.Port)
	return k
}

// ReservedAddress reports whether ip is a loopback, link-local, multicast
// or unspecified address. Nothing in this repository calls it.
func ReservedAddress(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified()
}
