// Package piece tracks which blocks of a torrent are wanted, requested and received,
// picks what to ask each peer for next and verifies completed pieces.
package piece

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/anacrolix/multiless"
	"github.com/kelindar/bitmap"
	"github.com/rs/zerolog"

	"github.com/leorafaelmb/bittorrent-client/internal/bitfield"
	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

var (
	ErrInvalidBlock = errors.New("block does not match piece layout")
	ErrClosed       = errors.New("piece manager closed")
)

// Storage is the file layout pieces are written to and served from.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Observer is told about verification results. Calls come from verify workers.
type Observer interface {
	PieceCompleted(index int)
	// PieceFailed reports a hash mismatch and the peers that contributed blocks.
	PieceFailed(index int, peers []string)
	// WriteFailed reports a verified piece that storage refused.
	WriteFailed(index int, err error)
}

type State int

const (
	Missing State = iota
	Requested
	Verifying
	Complete
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Verifying:
		return "verifying"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Block is one request-sized part of a piece.
type Block struct {
	Index  int
	Begin  int
	Length int
}

type Outcome int

const (
	Accepted Outcome = iota
	// Duplicate blocks were already received or belong to a finished piece.
	Duplicate
)

type slot struct {
	peer     string
	at       time.Time
	received bool
}

type pieceEntry struct {
	state    State
	slots    []slot
	buf      []byte
	received int
	peers    map[string]struct{}
}

// Manager owns the block bookkeeping of one torrent. A single mutex guards all state.
type Manager struct {
	cfg   Config
	log   zerolog.Logger
	info  *metainfo.Info
	store Storage
	obs   Observer
	pool  *verifyPool
	now   func() time.Time

	mu           sync.Mutex
	pieces       []pieceEntry
	complete     bitmap.Bitmap
	wanted       bitmap.Bitmap
	availability []int
	peers        map[string]bitmap.Bitmap
	doneBytes    int64
}

func New(info *metainfo.Info, store Storage, obs Observer, opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	n := info.NumPieces()
	m := &Manager{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("info_hash", info.Hash.String()).Logger(),
		info:         info,
		store:        store,
		obs:          obs,
		now:          time.Now,
		pieces:       make([]pieceEntry, n),
		availability: make([]int, n),
		peers:        make(map[string]bitmap.Bitmap),
	}
	for i := range m.pieces {
		m.pieces[i].slots = make([]slot, m.numBlocks(i))
		m.wanted.Set(uint32(i))
	}
	m.pool = newVerifyPool(cfg.VerifyWorkers, n, m.verify)
	return m
}

func (m *Manager) numBlocks(index int) int {
	size := m.info.PieceSize(index)
	return (size + m.cfg.BlockSize - 1) / m.cfg.BlockSize
}

func (m *Manager) block(index, j int) Block {
	begin := j * m.cfg.BlockSize
	return Block{
		Index:  index,
		Begin:  begin,
		Length: min(m.cfg.BlockSize, m.info.PieceSize(index)-begin),
	}
}

func (m *Manager) NumPieces() int {
	return len(m.pieces)
}

// PeerBitfield records the full piece set a peer advertised.
func (m *Manager) PeerBitfield(peer string, pieces []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bm := m.peers[peer]
	for _, i := range pieces {
		if int(i) >= len(m.pieces) || bm.Contains(i) {
			continue
		}
		bm.Set(i)
		m.availability[i]++
	}
	m.peers[peer] = bm
}

// PeerHave records one more piece announced by a peer.
func (m *Manager) PeerHave(peer string, index int) {
	if index < 0 || index >= len(m.pieces) {
		return
	}
	m.PeerBitfield(peer, []uint32{uint32(index)})
}

// PeerGone forgets a disconnected peer and returns its outstanding blocks to the pool.
func (m *Manager) PeerGone(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bm, ok := m.peers[peer]; ok {
		bm.Range(func(i uint32) {
			m.availability[i]--
		})
		delete(m.peers, peer)
	}
	m.releaseLocked(func(s *slot) bool { return s.peer == peer })
}

// Release returns specific blocks requested from peer to the pool, for example those
// discarded by a choke.
func (m *Manager) Release(peer string, blocks []Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range blocks {
		s := m.slotLocked(b)
		if s != nil && !s.received && s.peer == peer {
			s.peer = ""
		}
	}
	m.refreshStatesLocked()
}

// Expire returns requests older than the request timeout to the pool.
func (m *Manager) Expire(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(func(s *slot) bool {
		return now.Sub(s.at) >= m.cfg.RequestTimeout
	})
}

func (m *Manager) releaseLocked(match func(*slot) bool) int {
	n := 0
	for i := range m.pieces {
		p := &m.pieces[i]
		if p.state != Requested {
			continue
		}
		for j := range p.slots {
			s := &p.slots[j]
			if s.peer != "" && !s.received && match(s) {
				s.peer = ""
				n++
			}
		}
	}
	if n > 0 {
		m.refreshStatesLocked()
	}
	return n
}

// refreshStatesLocked moves pieces with no requested or received blocks back to Missing.
func (m *Manager) refreshStatesLocked() {
	for i := range m.pieces {
		p := &m.pieces[i]
		if p.state != Requested || p.received > 0 {
			continue
		}
		if !slices.ContainsFunc(p.slots, func(s slot) bool { return s.peer != "" }) {
			p.state = Missing
		}
	}
}

func (m *Manager) slotLocked(b Block) *slot {
	if b.Index < 0 || b.Index >= len(m.pieces) || b.Begin%m.cfg.BlockSize != 0 {
		return nil
	}
	j := b.Begin / m.cfg.BlockSize
	p := &m.pieces[b.Index]
	if j >= len(p.slots) || m.block(b.Index, j).Length != b.Length {
		return nil
	}
	return &p.slots[j]
}

// Next assigns up to max unrequested blocks to peer. Pieces already in progress come
// first, then the rarest pieces the peer has, ties broken by index.
func (m *Manager) Next(peer string, has func(int) bool, max int) []Block {
	if max <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []int
	for i := range m.pieces {
		p := &m.pieces[i]
		if p.state == Verifying || p.state == Complete || !m.wanted.Contains(uint32(i)) {
			continue
		}
		if !has(i) || !slices.ContainsFunc(p.slots, pendingSlot) {
			continue
		}
		candidates = append(candidates, i)
	}
	slices.SortFunc(candidates, func(a, b int) int {
		less, ok := multiless.New().
			Bool(m.pieces[b].state == Requested, m.pieces[a].state == Requested).
			Int(m.availability[a], m.availability[b]).
			Int(a, b).
			LessOk()
		switch {
		case !ok:
			return 0
		case less:
			return -1
		}
		return 1
	})

	now := m.now()
	var out []Block
	for _, i := range candidates {
		p := &m.pieces[i]
		for j := range p.slots {
			s := &p.slots[j]
			if !pendingSlot(*s) {
				continue
			}
			s.peer = peer
			s.at = now
			p.state = Requested
			out = append(out, m.block(i, j))
			if len(out) == max {
				return out
			}
		}
	}
	return out
}

func pendingSlot(s slot) bool {
	return s.peer == "" && !s.received
}

// Received stores a block. When it completes its piece the piece is queued for
// verification.
func (m *Manager) Received(peer string, b Block, data []byte) (Outcome, error) {
	if len(data) != b.Length {
		return 0, fmt.Errorf("%w: %d bytes for length %d", ErrInvalidBlock, len(data), b.Length)
	}

	m.mu.Lock()
	s := m.slotLocked(b)
	if s == nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: piece %d begin %d length %d", ErrInvalidBlock, b.Index, b.Begin, b.Length)
	}
	p := &m.pieces[b.Index]
	if p.state == Verifying || p.state == Complete || s.received {
		m.mu.Unlock()
		return Duplicate, nil
	}

	if p.buf == nil {
		p.buf = make([]byte, m.info.PieceSize(b.Index))
		p.peers = make(map[string]struct{})
	}
	copy(p.buf[b.Begin:], data)
	s.received = true
	s.peer = peer
	p.received++
	p.peers[peer] = struct{}{}
	p.state = Requested

	if p.received < len(p.slots) {
		m.mu.Unlock()
		return Accepted, nil
	}

	p.state = Verifying
	job := verifyJob{index: b.Index, data: p.buf}
	for id := range p.peers {
		job.peers = append(job.peers, id)
	}
	slices.Sort(job.peers)
	m.mu.Unlock()

	if !m.pool.submit(job) {
		return Accepted, ErrClosed
	}
	return Accepted, nil
}

func (m *Manager) verify(job verifyJob) {
	index := job.index
	if metainfo.HashPiece(job.data) != m.info.Pieces[index] {
		m.log.Warn().Int("piece", index).Strs("peers", job.peers).Msg("piece failed hash check")
		m.reset(index)
		if m.obs != nil {
			m.obs.PieceFailed(index, job.peers)
		}
		return
	}

	if _, err := m.store.WriteAt(job.data, int64(m.info.PieceOffset(index))); err != nil {
		m.log.Error().Err(err).Int("piece", index).Msg("error writing piece")
		m.reset(index)
		if m.obs != nil {
			m.obs.WriteFailed(index, err)
		}
		return
	}

	m.markComplete(index)
	m.log.Debug().Int("piece", index).Msg("piece complete")
	if m.obs != nil {
		m.obs.PieceCompleted(index)
	}
}

func (m *Manager) reset(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &m.pieces[index]
	p.state = Missing
	p.buf = nil
	p.peers = nil
	p.received = 0
	clear(p.slots)
}

func (m *Manager) markComplete(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &m.pieces[index]
	if p.state == Complete {
		return false
	}
	p.state = Complete
	p.buf = nil
	p.peers = nil
	p.received = len(p.slots)
	for j := range p.slots {
		p.slots[j] = slot{received: true}
	}
	m.complete.Set(uint32(index))
	m.doneBytes += int64(m.info.PieceSize(index))
	return true
}

// Verify hashes what storage already holds and marks matching pieces complete. It is
// the resume check; running it again changes nothing.
func (m *Manager) Verify(ctx context.Context) (int, error) {
	indexes := make(chan int)
	found := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < max(m.cfg.VerifyWorkers, 1); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				buf := make([]byte, m.info.PieceSize(i))
				n, err := m.store.ReadAt(buf, int64(m.info.PieceOffset(i)))
				if n != len(buf) || (err != nil && !errors.Is(err, io.EOF)) {
					continue
				}
				if metainfo.HashPiece(buf) == m.info.Pieces[i] {
					found <- i
				}
			}
		}()
	}
	go func() {
		defer close(indexes)
		for i := range m.pieces {
			if m.Have(i) {
				continue
			}
			select {
			case indexes <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(found)
	}()

	count := 0
	for i := range found {
		if m.markComplete(i) {
			count++
		}
	}
	m.log.Debug().Int("pieces", count).Msg("verified existing data")
	return count, ctx.Err()
}

// SelectFiles restricts downloading to the pieces overlapping the given file indexes.
// An empty selection wants every piece.
func (m *Manager) SelectFiles(files []int) error {
	all := m.info.GetFiles()
	var wanted bitmap.Bitmap
	if len(files) == 0 {
		for i := range m.pieces {
			wanted.Set(uint32(i))
		}
	}
	for _, f := range files {
		if f < 0 || f >= len(all) {
			return fmt.Errorf("file index %d out of range [0, %d)", f, len(all))
		}
		begin, end := m.info.PieceRangeForFile(f)
		for i := begin; i < end; i++ {
			wanted.Set(uint32(i))
		}
	}

	m.mu.Lock()
	m.wanted = wanted
	m.mu.Unlock()
	return nil
}

// Have reports whether piece index is verified and stored.
func (m *Manager) Have(index int) bool {
	if index < 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete.Contains(uint32(index))
}

func (m *Manager) PieceState(index int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieces[index].state
}

// Complete reports whether every wanted piece is verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := true
	m.wanted.Range(func(i uint32) {
		if !m.complete.Contains(i) {
			done = false
		}
	})
	return done
}

// Interesting reports whether the peer has a wanted piece we lack.
func (m *Manager) Interesting(has func(int) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		if m.wanted.Contains(uint32(i)) && !m.complete.Contains(uint32(i)) && has(i) {
			return true
		}
	}
	return false
}

// Bitfield returns the verified pieces in wire form.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	bf := bitfield.New(len(m.pieces))
	m.complete.Range(func(i uint32) {
		bf.Set(int(i))
	})
	return bf
}

// Progress returns verified and total piece counts and the verified byte count.
func (m *Manager) Progress() (done, total int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete.Count(), len(m.pieces), m.doneBytes
}

// Availability returns how many connected peers advertise piece index.
func (m *Manager) Availability(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availability[index]
}

// ReadBlock returns block data of a verified piece for serving.
func (m *Manager) ReadBlock(b Block) ([]byte, error) {
	if b.Index < 0 || b.Index >= len(m.pieces) || b.Begin < 0 || b.Length <= 0 ||
		b.Begin+b.Length > m.info.PieceSize(b.Index) {
		return nil, fmt.Errorf("%w: piece %d begin %d length %d", ErrInvalidBlock, b.Index, b.Begin, b.Length)
	}
	if !m.Have(b.Index) {
		return nil, fmt.Errorf("piece %d not available", b.Index)
	}
	buf := make([]byte, b.Length)
	if _, err := m.store.ReadAt(buf, int64(m.info.PieceOffset(b.Index)+b.Begin)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading piece %d: %w", b.Index, err)
	}
	return buf, nil
}

// Close waits for queued verifications and their writes to finish.
func (m *Manager) Close() {
	m.pool.close()
}
