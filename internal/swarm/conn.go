package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/leorafaelmb/bittorrent-client/internal/peer"
	"github.com/leorafaelmb/bittorrent-client/internal/piece"
	"github.com/leorafaelmb/bittorrent-client/internal/transport"
)

// peerConn is the swarm's side of one peer session. It is created before the
// handshake so that it can serve as the session's Handler from the first message.
type peerConn struct {
	s        *Session
	key      string
	addr     netip.AddrPort
	outbound bool

	// Guarded by s.mu. ps is set once the handshake completes and never changes.
	ps       *peer.Session
	closed   bool
	metadata bool

	// Owned by the choke loop.
	lastUp, lastDown int64
	rate             int64

	// Owned by the pex loop.
	pexSent map[netip.AddrPort]struct{}
}

func (s *Session) addConnLocked(key string, addr netip.AddrPort, outbound bool) *peerConn {
	if _, taken := s.conns[key]; taken {
		s.seq++
		key = fmt.Sprintf("%s#%d", key, s.seq)
	}
	pc := &peerConn{s: s, key: key, addr: addr, outbound: outbound}
	s.conns[key] = pc
	return pc
}

func (s *Session) paramsLocked(pc *peerConn) peer.Params {
	p := peer.Params{
		InfoHash: s.infoHash,
		PeerID:   s.p.PeerID,
		Handler:  pc,
	}
	if s.p.DHT != nil {
		p.DHTPort = transport.Port(s.p.DHT.Addr())
	}
	if s.pieces != nil {
		p.Bitfield = s.pieces.Bitfield()
		p.NumPieces = s.pieces.NumPieces()
		p.MetadataSize = len(s.info.Raw)
		p.Private = s.info.Private
	}
	return p
}

// liveConns returns the connections whose handshake completed and that are still open.
func (s *Session) liveConns() []*peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := lo.Filter(lo.Values(s.conns), func(pc *peerConn, _ int) bool {
		return pc.ps != nil && !pc.closed
	})
	slices.SortFunc(live, func(a, b *peerConn) int { return strings.Compare(a.key, b.key) })
	return live
}

func (s *Session) private() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info != nil && s.info.Private
}

// addPeers queues newly learned addresses for connection.
func (s *Session) addPeers(addrs []netip.AddrPort, from string) {
	now := time.Now()
	added := 0
	s.mu.Lock()
	for _, ap := range lo.Uniq(addrs) {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		if !ap.Addr().IsValid() || ap.Port() == 0 || len(s.queue) >= s.cfg.MaxCandidates {
			continue
		}
		if _, ok := s.queued[ap]; ok || s.unusableLocked(ap, now) {
			continue
		}
		s.queue = append(s.queue, ap)
		s.queued[ap] = struct{}{}
		added++
	}
	s.mu.Unlock()
	if added > 0 {
		s.log.Debug().Int("peers", added).Str("source", from).Msg("new peer addresses")
		s.wakeConnect()
	}
}

// unusableLocked reports addresses already connected or that failed recently.
func (s *Session) unusableLocked(ap netip.AddrPort, now time.Time) bool {
	if t, ok := s.failed[ap]; ok && (t.IsZero() || now.Sub(t) < s.cfg.FailedBackoff) {
		return true
	}
	for _, pc := range s.conns {
		if pc.addr == ap {
			return true
		}
	}
	return false
}

func (s *Session) wakeConnect() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// connectPeers dials queued addresses while there is room under MaxConns.
func (s *Session) connectPeers() {
	now := time.Now()
	var dials []*peerConn
	s.mu.Lock()
	for len(s.conns) < s.cfg.MaxConns && len(s.queue) > 0 {
		ap := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, ap)
		if s.unusableLocked(ap, now) {
			continue
		}
		dials = append(dials, s.addConnLocked(ap.String(), ap, true))
	}
	s.mu.Unlock()

	for _, pc := range dials {
		s.goLoop(func() { s.dial(pc) })
	}
}

func (s *Session) dial(pc *peerConn) {
	s.mu.Lock()
	params := s.paramsLocked(pc)
	s.mu.Unlock()

	ps, err := peer.Dial(s.ctx, s.p.Dialer, pc.addr, params, s.cfg.peerOptions()...)
	if err != nil {
		s.mu.Lock()
		if s.conns[pc.key] == pc {
			delete(s.conns, pc.key)
		}
		if errors.Is(err, peer.ErrSelfConnection) {
			s.failed[pc.addr] = time.Time{}
		} else {
			s.failed[pc.addr] = time.Now()
		}
		s.mu.Unlock()
		s.log.Debug().Err(err).Str("peer", pc.key).Msg("connect failed")
		return
	}
	if err := s.register(pc, ps); err != nil {
		ps.Close()
		<-ps.Done()
		return
	}
	s.log.Debug().Str("peer", pc.key).Msg("peer connected")
}

// AddConn takes over an incoming connection whose handshake h has been read.
func (s *Session) AddConn(conn net.Conn, h peer.Handshake) error {
	if s.ctx.Err() != nil {
		conn.Close()
		return ErrStopped
	}
	addr, _ := transport.RemoteAddrPort(conn)

	s.mu.Lock()
	if len(s.conns) >= s.cfg.MaxConns {
		s.mu.Unlock()
		conn.Close()
		return ErrTooManyPeers
	}
	pc := s.addConnLocked(conn.RemoteAddr().String(), addr, false)
	params := s.paramsLocked(pc)
	s.mu.Unlock()

	ps, err := peer.Accept(s.ctx, conn, h, params, s.cfg.peerOptions()...)
	if err != nil {
		s.mu.Lock()
		if s.conns[pc.key] == pc {
			delete(s.conns, pc.key)
		}
		s.mu.Unlock()
		return err
	}
	if err := s.register(pc, ps); err != nil {
		ps.Close()
		return err
	}
	s.log.Debug().Str("peer", pc.key).Msg("peer accepted")
	return nil
}

// register attaches a handshaken session to its connection slot.
func (s *Session) register(pc *peerConn, ps *peer.Session) error {
	s.mu.Lock()
	switch {
	case pc.closed:
		s.mu.Unlock()
		return peer.ErrClosed
	case s.ctx.Err() != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	for _, other := range s.conns {
		if other != pc && other.ps != nil && !other.closed && other.ps.RemoteID() == ps.RemoteID() {
			s.mu.Unlock()
			return ErrDuplicate
		}
	}
	pc.ps = ps
	s.mu.Unlock()

	s.update(pc, ps)
	s.fetchMetadata()
	return nil
}

func (s *Session) removeConn(pc *peerConn, ps *peer.Session, err error) {
	s.mu.Lock()
	pc.closed = true
	if s.conns[pc.key] == pc {
		delete(s.conns, pc.key)
	}
	if s.ctx.Err() == nil && pc.outbound {
		if t, ok := s.failed[pc.addr]; !ok || !t.IsZero() {
			s.failed[pc.addr] = time.Now()
		}
	}
	s.closedUp.Add(ps.Uploaded())
	s.closedDown.Add(ps.Downloaded())
	pieces, metadata := s.pieces, pc.metadata
	s.mu.Unlock()

	if pieces != nil {
		pieces.PeerGone(pc.key)
	}
	if metadata {
		s.dropMetadataPeer(pc)
	}
	var perr *peer.ProtocolError
	if errors.As(err, &perr) {
		s.log.Info().Err(err).Str("peer", pc.key).Msg("disconnected misbehaving peer")
	}
	s.wakeConnect()
}

// update declares or withdraws interest in the peer and tops up its request pipeline.
func (s *Session) update(pc *peerConn, ps *peer.Session) {
	pieces := s.manager()
	if pieces == nil || s.State() == Initializing {
		return
	}
	if !pieces.Interesting(ps.HasPiece) {
		ps.NotInterested()
		return
	}
	ps.Interested()
	s.fill(pc, ps)
}

func (s *Session) fill(pc *peerConn, ps *peer.Session) {
	pieces := s.manager()
	if pieces == nil || s.State() != Active || !ps.CanRequest() {
		return
	}
	blocks := pieces.Next(pc.key, ps.HasPiece, s.cfg.PipelineDepth-ps.Outstanding())
	for i, b := range blocks {
		if err := ps.Request(toRequest(b)); err != nil {
			pieces.Release(pc.key, blocks[i:])
			return
		}
	}
}

func toRequest(b piece.Block) peer.Request {
	return peer.Request{Index: uint32(b.Index), Begin: uint32(b.Begin), Length: uint32(b.Length)}
}

func toBlock(r peer.Request) piece.Block {
	return piece.Block{Index: int(r.Index), Begin: int(r.Begin), Length: int(r.Length)}
}

func toBlocks(rs []peer.Request) []piece.Block {
	return lo.Map(rs, func(r peer.Request, _ int) piece.Block { return toBlock(r) })
}

func (pc *peerConn) OnBitfield(ps *peer.Session) {
	if pieces := pc.s.manager(); pieces != nil {
		pieces.PeerBitfield(pc.key, ps.Pieces().ToArray())
	}
	pc.s.update(pc, ps)
}

func (pc *peerConn) OnHave(ps *peer.Session, index int) {
	if pieces := pc.s.manager(); pieces != nil {
		pieces.PeerHave(pc.key, index)
	}
	pc.s.update(pc, ps)
}

func (pc *peerConn) OnChoke(ps *peer.Session, dropped []peer.Request) {
	if pieces := pc.s.manager(); pieces != nil && len(dropped) > 0 {
		pieces.Release(pc.key, toBlocks(dropped))
	}
}

func (pc *peerConn) OnUnchoke(ps *peer.Session) {
	pc.s.fill(pc, ps)
}

func (pc *peerConn) OnInterested(ps *peer.Session, interested bool) {
	if interested {
		pc.s.nudgeChoke()
	}
}

// OnRequest serves a block. Requests from a peer that has not declared interest
// break the protocol and end the connection.
func (pc *peerConn) OnRequest(ps *peer.Session, r peer.Request) {
	s := pc.s
	if !ps.PeerInterested() {
		s.log.Debug().Str("peer", pc.key).Stringer("request", r).Msg("request from uninterested peer")
		ps.Close()
		return
	}
	pieces := s.manager()
	if pieces == nil {
		ps.Discard(r)
		return
	}
	data, err := pieces.ReadBlock(toBlock(r))
	if err != nil {
		s.log.Debug().Err(err).Str("peer", pc.key).Msg("cannot serve request")
		ps.Discard(r)
		return
	}
	if err := ps.SendPiece(r, data); err != nil &&
		!errors.Is(err, peer.ErrChoking) && !errors.Is(err, peer.ErrNotRequested) {
		s.log.Debug().Err(err).Str("peer", pc.key).Msg("error sending block")
	}
}

// OnCancel needs nothing: the session drops the cancelled upload itself.
func (pc *peerConn) OnCancel(*peer.Session, peer.Request) {}

func (pc *peerConn) OnBlock(ps *peer.Session, r peer.Request, data []byte) {
	s := pc.s
	pieces := s.manager()
	if pieces == nil {
		return
	}
	outcome, err := pieces.Received(pc.key, toBlock(r), data)
	switch {
	case errors.Is(err, piece.ErrClosed):
		return
	case err != nil:
		s.log.Debug().Err(err).Str("peer", pc.key).Msg("discarding block")
	case outcome == piece.Duplicate:
		s.log.Debug().Str("peer", pc.key).Stringer("block", r).Msg("duplicate block")
	}
	s.fill(pc, ps)
}

// OnPort pings the peer's DHT node so the routing table can learn it.
func (pc *peerConn) OnPort(ps *peer.Session, port uint16) {
	s := pc.s
	ap, ok := ps.RemoteAddrPort()
	if s.p.DHT == nil || !ok || port == 0 || s.ctx.Err() != nil {
		return
	}
	node := netip.AddrPortFrom(ap.Addr(), port)
	s.goLoop(func() {
		ctx, cancel := context.WithTimeout(s.ctx, dhtPingTimeout)
		defer cancel()
		if _, err := s.p.DHT.Ping(ctx, node); err != nil {
			s.log.Debug().Err(err).Stringer("node", node).Msg("dht ping failed")
		}
	})
}

func (pc *peerConn) OnExtendedHandshake(ps *peer.Session, h *peer.ExtendedHandshake) {
	pc.s.metadataPeer(pc, h)
}

func (pc *peerConn) OnMetadata(ps *peer.Session, m *peer.MetadataMsg) {
	s := pc.s
	switch m.Type {
	case peer.MetadataRequest:
		s.serveMetadata(ps, m.Piece)
	case peer.MetadataData:
		s.metadataData(pc, m)
	case peer.MetadataReject:
		s.log.Debug().Str("peer", pc.key).Int("piece", m.Piece).Msg("metadata request rejected")
		s.dropMetadataPeer(pc)
	}
}

func (pc *peerConn) OnPex(ps *peer.Session, m *peer.PexMsg) {
	if pc.s.private() {
		return
	}
	pc.s.addPeers(lo.Map(m.Added, func(p peer.PexPeer, _ int) netip.AddrPort { return p.Addr }), "pex")
}

func (pc *peerConn) OnClose(ps *peer.Session, err error) {
	pc.s.removeConn(pc, ps, err)
}
