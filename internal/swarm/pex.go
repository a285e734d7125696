package swarm

import (
	"maps"
	"net/netip"
	"slices"
	"time"

	"github.com/leorafaelmb/bittorrent-client/internal/peer"
)

// maxPexAdded caps the added entries of one ut_pex message.
const maxPexAdded = 50

// pexDelta builds the message telling a peer what changed since sent, and the set the
// peer will know about once it is delivered. Added peers are ordered by address.
func pexDelta(sent map[netip.AddrPort]struct{}, current map[netip.AddrPort]peer.PexFlags, limit int) (*peer.PexMsg, map[netip.AddrPort]struct{}) {
	msg := &peer.PexMsg{}
	next := make(map[netip.AddrPort]struct{}, len(current))

	for ap := range sent {
		if _, ok := current[ap]; ok {
			next[ap] = struct{}{}
		} else {
			msg.Dropped = append(msg.Dropped, ap)
		}
	}
	fresh := slices.SortedFunc(maps.Keys(current), func(a, b netip.AddrPort) int { return a.Compare(b) })
	for _, ap := range fresh {
		if _, ok := sent[ap]; ok {
			continue
		}
		if len(msg.Added) == limit {
			break
		}
		msg.Added = append(msg.Added, peer.PexPeer{Addr: ap, Flags: current[ap]})
		next[ap] = struct{}{}
	}
	slices.SortFunc(msg.Dropped, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return msg, next
}

// listenAddr is where other peers can reach pc: the dialled address, or for incoming
// connections the remote IP with the port from its extended handshake.
func (pc *peerConn) listenAddr() (netip.AddrPort, bool) {
	if pc.outbound {
		return pc.addr, pc.addr.IsValid()
	}
	h := pc.ps.ExtendedHandshake()
	if !pc.addr.IsValid() || h == nil || h.P <= 0 || h.P > 0xffff {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(pc.addr.Addr(), uint16(h.P)), true
}

func (s *Session) pexLoop() {
	ticker := time.NewTicker(s.cfg.PexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendPex()
		}
	}
}

// sendPex sends each ut_pex capable peer the connections added and dropped since its
// last message.
func (s *Session) sendPex() {
	if s.private() {
		return
	}
	conns := s.liveConns()
	current := make(map[netip.AddrPort]peer.PexFlags, len(conns))
	for _, pc := range conns {
		ap, ok := pc.listenAddr()
		if !ok {
			continue
		}
		var flags peer.PexFlags
		if pc.ps.IsSeed() {
			flags |= peer.PexSeed
		}
		if pc.outbound {
			flags |= peer.PexOutgoing
		}
		current[ap] = flags
	}

	for _, pc := range conns {
		if pc.ps.ExtendedHandshake().Supports(peer.ExtPex) == 0 {
			continue
		}
		others := maps.Clone(current)
		if ap, ok := pc.listenAddr(); ok {
			delete(others, ap)
		}
		msg, next := pexDelta(pc.pexSent, others, maxPexAdded)
		if len(msg.Added) == 0 && len(msg.Dropped) == 0 {
			continue
		}
		if err := pc.ps.SendPex(msg); err != nil {
			s.log.Debug().Err(err).Str("peer", pc.key).Msg("error sending pex")
			continue
		}
		pc.pexSent = next
	}
}
