package dht

import (
	"net/netip"
	"sync"
	"time"
)

// PeerStore holds peers announced to this node, per info hash, until they expire.
type PeerStore struct {
	ttl    time.Duration
	maxPer int
	now    func() time.Time
	mu     sync.Mutex
	byHash map[NodeID]map[netip.AddrPort]time.Time
}

// NewPeerStore keeps at most maxPer peers per info hash for ttl each.
func NewPeerStore(ttl time.Duration, maxPer int) *PeerStore {
	return &PeerStore{
		ttl:    ttl,
		maxPer: maxPer,
		now:    time.Now,
		byHash: make(map[NodeID]map[netip.AddrPort]time.Time),
	}
}

// Add records or refreshes a peer. When the hash is at capacity the oldest entry is
// replaced.
func (s *PeerStore) Add(infoHash NodeID, peer netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := s.byHash[infoHash]
	if peers == nil {
		peers = make(map[netip.AddrPort]time.Time)
		s.byHash[infoHash] = peers
	}
	if _, ok := peers[peer]; !ok && len(peers) >= s.maxPer {
		var (
			oldest   netip.AddrPort
			oldestAt time.Time
		)
		for p, at := range peers {
			if oldestAt.IsZero() || at.Before(oldestAt) {
				oldest, oldestAt = p, at
			}
		}
		delete(peers, oldest)
	}
	peers[peer] = s.now()
}

// Get returns up to max unexpired peers for infoHash.
func (s *PeerStore) Get(infoHash NodeID, max int) []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []netip.AddrPort
	for p, at := range s.byHash[infoHash] {
		if now.Sub(at) > s.ttl {
			continue
		}
		out = append(out, p)
		if len(out) == max {
			break
		}
	}
	return out
}

// Expire drops entries older than the ttl.
func (s *PeerStore) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for h, peers := range s.byHash {
		for p, at := range peers {
			if now.Sub(at) > s.ttl {
				delete(peers, p)
			}
		}
		if len(peers) == 0 {
			delete(s.byHash, h)
		}
	}
}
