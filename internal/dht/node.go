package dht

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// compactNodeLen is the 26-byte compact node info: id, IPv4 address, port.
const compactNodeLen = IDLength + 6

// goodWindow is how recently a node must have answered to count as good.
const goodWindow = 15 * time.Minute

// Node is a remote DHT node as tracked by the routing table.
type Node struct {
	ID   NodeID
	Addr netip.AddrPort

	LastSeen    time.Time
	LastQueried time.Time
	Queries     int
	Responses   int
	FailedPings int
}

// Good reports a node that answered within the last 15 minutes and has no
// outstanding failures.
func (n *Node) Good(now time.Time) bool {
	return n.Responses > 0 && n.FailedPings == 0 && now.Sub(n.LastSeen) < goodWindow
}

// Stale reports a node that missed maxFailures consecutive queries.
func (n *Node) Stale(maxFailures int) bool {
	return n.FailedPings >= maxFailures
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID.String()[:8], n.Addr)
}

// EncodeCompactNodes packs IPv4 nodes into 26-byte records. Other families are skipped.
func EncodeCompactNodes(nodes []Node) []byte {
	b := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		addr := n.Addr.Addr().Unmap()
		if !addr.Is4() {
			continue
		}
		a := addr.As4()
		b = append(b, n.ID[:]...)
		b = append(b, a[:]...)
		b = binary.BigEndian.AppendUint16(b, n.Addr.Port())
	}
	return b
}

// DecodeCompactNodes unpacks 26-byte records.
func DecodeCompactNodes(b []byte) ([]Node, error) {
	if len(b)%compactNodeLen != 0 {
		return nil, fmt.Errorf("compact nodes length %d is not a multiple of %d", len(b), compactNodeLen)
	}
	nodes := make([]Node, 0, len(b)/compactNodeLen)
	for off := 0; off < len(b); off += compactNodeLen {
		rec := b[off : off+compactNodeLen]
		var n Node
		copy(n.ID[:], rec[:IDLength])
		addr := netip.AddrFrom4([4]byte(rec[IDLength : IDLength+4]))
		n.Addr = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(rec[IDLength+4:]))
		nodes = append(nodes, n)
	}
	return nodes, nil
}
