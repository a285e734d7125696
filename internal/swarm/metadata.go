package swarm

import (
	"fmt"
	"time"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
	"github.com/leorafaelmb/bittorrent-client/internal/peer"
)

// metaFetch is the state of a magnet download before the info dictionary is known.
// It is guarded by the session mutex.
type metaFetch struct {
	asm          *metainfo.MetadataAssembler
	pending      map[int]metaRequest
	contributors map[string]struct{}
	// failed holds the peers that rejected, disconnected or supplied bad data.
	failed map[string]struct{}
	next   int
}

type metaRequest struct {
	peer string
	at   time.Time
}

func newMetaFetch() *metaFetch {
	return &metaFetch{
		pending:      make(map[int]metaRequest),
		contributors: make(map[string]struct{}),
		failed:       make(map[string]struct{}),
	}
}

// metadataPeer enrolls a peer whose extended handshake offers ut_metadata.
func (s *Session) metadataPeer(pc *peerConn, h *peer.ExtendedHandshake) {
	if h.Supports(peer.ExtMetadata) == 0 || h.MetadataSize <= 0 {
		return
	}
	s.mu.Lock()
	m := s.meta
	if m == nil {
		s.mu.Unlock()
		return
	}
	if _, bad := m.failed[pc.key]; bad {
		s.mu.Unlock()
		return
	}
	if m.asm == nil {
		asm, err := metainfo.NewMetadataAssembler(s.infoHash, h.MetadataSize)
		if err != nil {
			m.failed[pc.key] = struct{}{}
			s.mu.Unlock()
			s.log.Debug().Err(err).Str("peer", pc.key).Msg("unusable metadata size")
			s.checkMetadata()
			return
		}
		m.asm = asm
	} else if m.asm.Size() != h.MetadataSize {
		m.failed[pc.key] = struct{}{}
		s.mu.Unlock()
		s.log.Debug().Str("peer", pc.key).Int("metadata_size", h.MetadataSize).Msg("metadata size disagrees")
		s.checkMetadata()
		return
	}
	pc.metadata = true
	s.mu.Unlock()
	s.fetchMetadata()
}

// fetchMetadata requests every missing fragment that is not already in flight,
// spreading them over the peers that offer metadata.
func (s *Session) fetchMetadata() {
	type send struct {
		ps    *peer.Session
		piece int
	}
	now := time.Now()

	s.mu.Lock()
	m := s.meta
	if m == nil || m.asm == nil {
		s.mu.Unlock()
		return
	}
	var capable []*peerConn
	for _, pc := range s.conns {
		if _, bad := m.failed[pc.key]; pc.metadata && pc.ps != nil && !pc.closed && !bad {
			capable = append(capable, pc)
		}
	}
	var sends []send
	if len(capable) > 0 {
		for _, i := range m.asm.Missing() {
			if r, ok := m.pending[i]; ok && now.Sub(r.at) < s.cfg.RequestTimeout {
				continue
			}
			pc := capable[m.next%len(capable)]
			m.next++
			m.pending[i] = metaRequest{peer: pc.key, at: now}
			sends = append(sends, send{pc.ps, i})
		}
	}
	s.mu.Unlock()

	for _, sd := range sends {
		if err := sd.ps.SendMetadata(&peer.MetadataMsg{Type: peer.MetadataRequest, Piece: sd.piece}); err != nil {
			s.log.Debug().Err(err).Str("peer", sd.ps.Addr()).Msg("error requesting metadata")
		}
	}
}

func (s *Session) metadataData(pc *peerConn, msg *peer.MetadataMsg) {
	s.mu.Lock()
	m := s.meta
	if m == nil || m.asm == nil {
		s.mu.Unlock()
		return
	}
	delete(m.pending, msg.Piece)
	if msg.TotalSize != m.asm.Size() {
		m.failed[pc.key] = struct{}{}
		s.mu.Unlock()
		s.log.Debug().Str("peer", pc.key).Int("total_size", msg.TotalSize).Msg("metadata size disagrees")
		s.retryMetadata()
		return
	}
	if err := m.asm.Add(msg.Piece, msg.Data); err != nil {
		m.failed[pc.key] = struct{}{}
		s.mu.Unlock()
		s.log.Debug().Err(err).Str("peer", pc.key).Msg("bad metadata piece")
		s.retryMetadata()
		return
	}
	m.contributors[pc.key] = struct{}{}
	if !m.asm.Complete() {
		s.mu.Unlock()
		s.fetchMetadata()
		return
	}

	info, err := m.asm.Assemble()
	if err != nil {
		// The assembler has dropped every fragment; none of the contributors is
		// trusted again.
		for key := range m.contributors {
			m.failed[key] = struct{}{}
		}
		clear(m.contributors)
		clear(m.pending)
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("discarding metadata")
		s.retryMetadata()
		return
	}
	s.meta = nil
	s.mu.Unlock()

	s.log.Info().Str("name", info.Name).Int("pieces", info.NumPieces()).Msg("metadata received")
	s.goLoop(func() {
		if err := s.load(info); err != nil {
			s.fail(err)
			return
		}
		s.activate()
	})
}

// dropMetadataPeer gives up on a peer as a metadata source and hands its fragments
// to others.
func (s *Session) dropMetadataPeer(pc *peerConn) {
	s.mu.Lock()
	m := s.meta
	if m == nil {
		s.mu.Unlock()
		return
	}
	m.failed[pc.key] = struct{}{}
	for i, r := range m.pending {
		if r.peer == pc.key {
			delete(m.pending, i)
		}
	}
	s.mu.Unlock()
	s.retryMetadata()
}

func (s *Session) retryMetadata() {
	if !s.checkMetadata() {
		s.fetchMetadata()
	}
}

// checkMetadata fails the torrent once MetadataPeers peers have failed to supply
// metadata. It reports whether it did.
func (s *Session) checkMetadata() bool {
	s.mu.Lock()
	m := s.meta
	n := 0
	if m != nil {
		n = len(m.failed)
	}
	s.mu.Unlock()
	if m == nil || n < s.cfg.MetadataPeers {
		return false
	}
	s.fail(fmt.Errorf("%w: %d peers could not supply it", metainfo.ErrMetadataIncomplete, n))
	return true
}

// serveMetadata answers a ut_metadata request from the info dictionary we hold.
func (s *Session) serveMetadata(ps *peer.Session, index int) {
	s.mu.Lock()
	var raw []byte
	if s.info != nil {
		raw = s.info.Raw
	}
	s.mu.Unlock()

	reply := &peer.MetadataMsg{Type: peer.MetadataReject, Piece: index}
	if data, ok := metainfo.MetadataPiece(raw, index); ok {
		reply = &peer.MetadataMsg{Type: peer.MetadataData, Piece: index, TotalSize: len(raw), Data: data}
	}
	if err := ps.SendMetadata(reply); err != nil {
		s.log.Debug().Err(err).Str("peer", ps.Addr()).Msg("error sending metadata")
	}
}
