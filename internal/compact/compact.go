// Package compact implements the packed address formats shared by trackers, the DHT
// and peer exchange: 6-byte IPv4 and 18-byte IPv6 peer endpoints.
package compact

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	PeerLenV4 = 6
	PeerLenV6 = 18
)

// AppendPeer appends the packed form of ap. IPv4-mapped IPv6 addresses are written as
// IPv4.
func AppendPeer(b []byte, ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		a := addr.As4()
		b = append(b, a[:]...)
	} else {
		a := addr.As16()
		b = append(b, a[:]...)
	}
	return binary.BigEndian.AppendUint16(b, ap.Port())
}

// ParsePeer decodes one 6- or 18-byte endpoint.
func ParsePeer(b []byte) (netip.AddrPort, error) {
	switch len(b) {
	case PeerLenV4, PeerLenV6:
	default:
		return netip.AddrPort{}, fmt.Errorf("compact peer has length %d", len(b))
	}
	addr, _ := netip.AddrFromSlice(b[:len(b)-2])
	return netip.AddrPortFrom(addr, binary.BigEndian.Uint16(b[len(b)-2:])), nil
}

// ParsePeers splits b into endpoints of size bytes each. Entries with port 0 are skipped.
func ParsePeers(b []byte, size int) ([]netip.AddrPort, error) {
	if size != PeerLenV4 && size != PeerLenV6 {
		return nil, fmt.Errorf("invalid compact peer size %d", size)
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("compact peer list length %d is not a multiple of %d", len(b), size)
	}
	peers := make([]netip.AddrPort, 0, len(b)/size)
	for off := 0; off < len(b); off += size {
		ap, err := ParsePeer(b[off : off+size])
		if err != nil {
			return nil, err
		}
		if ap.Port() == 0 {
			continue
		}
		peers = append(peers, ap)
	}
	return peers, nil
}

// MarshalPeers packs every endpoint of the requested family (size 6 or 18).
func MarshalPeers(peers []netip.AddrPort, size int) []byte {
	b := make([]byte, 0, len(peers)*size)
	for _, ap := range peers {
		if Is4(ap) != (size == PeerLenV4) {
			continue
		}
		b = AppendPeer(b, ap)
	}
	return b
}

// Is4 reports whether ap is an IPv4 (or IPv4-mapped) endpoint.
func Is4(ap netip.AddrPort) bool {
	return ap.Addr().Unmap().Is4()
}
