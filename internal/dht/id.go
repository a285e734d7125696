// Package dht implements a Kademlia node for BitTorrent's mainline DHT: routing table,
// KRPC transport, write tokens, peer store and iterative lookups.
package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"
)

// IDLength is the size of node ids and info hashes in bytes.
const IDLength = 20

// NodeID identifies a DHT node. Info hashes share the same space.
type NodeID [IDLength]byte

// RandomNodeID returns a uniformly random id.
func RandomNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance returns the XOR of a and b.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance orders a and b by XOR distance to target: negative if a is closer,
// zero if equidistant (a == b), positive otherwise. The first differing byte of the two
// distances decides, which is the most significant differing bit.
func CompareDistance(target, a, b NodeID) int {
	for i := range target {
		da, db := a[i]^target[i], b[i]^target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b NodeID) bool {
	return CompareDistance(target, a, b) < 0
}

// CommonPrefixLen is the number of leading bits id shares with other.
func (id NodeID) CommonPrefixLen(other NodeID) int {
	for i := range id {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDLength * 8
}

// Bit returns bit i counted from the most significant bit.
func (id NodeID) Bit(i int) byte {
	return id[i/8] >> (7 - i%8) & 1
}

// Less compares ids as big-endian integers.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// randomIDWithPrefix returns a random id sharing exactly the first depth bits with
// prefix and differing at bit depth. depth == IDLength*8 returns prefix itself.
func randomIDWithPrefix(prefix NodeID, depth int) NodeID {
	if depth >= IDLength*8 {
		return prefix
	}
	id := RandomNodeID()
	for i := range depth {
		byteIdx, mask := i/8, byte(1)<<(7-i%8)
		id[byteIdx] = id[byteIdx]&^mask | prefix[byteIdx]&mask
	}
	byteIdx, mask := depth/8, byte(1)<<(7-depth%8)
	id[byteIdx] = id[byteIdx]&^mask | (^prefix[byteIdx])&mask
	return id
}
