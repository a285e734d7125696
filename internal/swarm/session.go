// Package swarm runs one torrent: it gathers peer addresses, keeps a bounded set of
// peer sessions, schedules block requests through the piece manager and serves
// verified pieces back to the swarm.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/leorafaelmb/bittorrent-client/internal/bitfield"
	"github.com/leorafaelmb/bittorrent-client/internal/dht"
	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
	"github.com/leorafaelmb/bittorrent-client/internal/piece"
	"github.com/leorafaelmb/bittorrent-client/internal/transport"
)

var (
	ErrStopped      = errors.New("swarm: session stopped")
	ErrTooManyPeers = errors.New("swarm: connection limit reached")
	ErrDuplicate    = errors.New("swarm: already connected to peer")
)

type State int32

const (
	// Initializing covers metadata retrieval and the resume check.
	Initializing State = iota
	Active
	// Seeding means every wanted piece is verified; peers are still served.
	Seeding
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Seeding:
		return "seeding"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Storage is the file layout a torrent is written to.
type Storage interface {
	piece.Storage
	Finalize() error
	Close() error
}

// StorageFactory opens storage once the torrent's layout is known.
type StorageFactory func(info *metainfo.Info) (Storage, error)

// Params are the collaborators a Session is built on.
type Params struct {
	PeerID [20]byte
	// Dialer defaults to plain TCP.
	Dialer  transport.Dialer
	Storage StorageFactory
	Sources []PeerSource
	// DHT, when set, is advertised to peers and learns nodes from their port messages.
	DHT *dht.Server
	// Files restricts the download to these file indexes. Empty means every file.
	Files []int
}

// Stats is a snapshot of a session's progress.
type Stats struct {
	State       State
	Peers       int
	Candidates  int
	PiecesDone  int
	PiecesTotal int
	BytesDone   int64
	BytesTotal  int64
	Uploaded    int64
	Downloaded  int64
}

func (st Stats) String() string {
	return fmt.Sprintf("%s: %d/%d pieces, %s of %s, %d peers, up %s, down %s",
		st.State, st.PiecesDone, st.PiecesTotal,
		humanize.Bytes(uint64(st.BytesDone)), humanize.Bytes(uint64(st.BytesTotal)),
		st.Peers, humanize.Bytes(uint64(st.Uploaded)), humanize.Bytes(uint64(st.Downloaded)))
}

// Session is one torrent's swarm.
type Session struct {
	cfg      Config
	log      zerolog.Logger
	p        Params
	infoHash metainfo.InfoHash
	name     string
	key      uint32

	state      atomic.Int32
	running    atomic.Bool
	closedUp   atomic.Int64
	closedDown atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	wake         chan struct{}
	chokeNudge   chan struct{}
	completed    chan struct{}
	completeOnce sync.Once
	closeOnce    sync.Once
	stopped      chan struct{}

	// Owned by the choke loop.
	rounds     int
	optimistic string

	mu     sync.Mutex
	info   *metainfo.Info
	store  Storage
	pieces *piece.Manager
	meta   *metaFetch
	conns  map[string]*peerConn
	queue  []netip.AddrPort
	queued map[netip.AddrPort]struct{}
	// failed maps addresses to when they failed. A zero time never expires.
	failed map[netip.AddrPort]time.Time
	seq    int
	err    error
}

func newSession(ih metainfo.InfoHash, name string, p Params, opts []Option) (*Session, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if p.Storage == nil {
		return nil, errors.New("swarm: no storage")
	}
	if p.Dialer == nil {
		p.Dialer = transport.TCPDialer(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("info_hash", ih.String()).Logger(),
		p:          p,
		infoHash:   ih,
		name:       name,
		key:        rand.Uint32(),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		chokeNudge: make(chan struct{}, 1),
		completed:  make(chan struct{}),
		stopped:    make(chan struct{}),
		conns:      make(map[string]*peerConn),
		queued:     make(map[netip.AddrPort]struct{}),
		failed:     make(map[netip.AddrPort]time.Time),
	}
	s.state.Store(int32(Initializing))
	return s, nil
}

// New prepares a session for a torrent whose metadata is known.
func New(tf *metainfo.TorrentFile, p Params, opts ...Option) (*Session, error) {
	s, err := newSession(tf.InfoHash, tf.Info.Name, p, opts)
	if err != nil {
		return nil, err
	}
	if err := s.load(tf.Info); err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

// NewMagnet prepares a session that first fetches the metadata from peers.
func NewMagnet(m *metainfo.MagnetLink, p Params, opts ...Option) (*Session, error) {
	if len(m.Peers) > 0 {
		p.Sources = append(slices.Clone(p.Sources), StaticSource(m.Peers))
	}
	s, err := newSession(m.InfoHash, m.Name, p, opts)
	if err != nil {
		return nil, err
	}
	s.meta = newMetaFetch()
	return s, nil
}

// load opens storage and the piece manager for info.
func (s *Session) load(info *metainfo.Info) error {
	store, err := s.p.Storage(info)
	if err != nil {
		return fmt.Errorf("error opening storage: %w", err)
	}
	pieces := piece.New(info, store, observer{s},
		piece.WithRequestTimeout(s.cfg.RequestTimeout),
		piece.WithLogger(s.cfg.Logger))
	if err := pieces.SelectFiles(s.p.Files); err != nil {
		pieces.Close()
		store.Close()
		return err
	}

	s.mu.Lock()
	s.info = info
	s.name = info.Name
	s.store = store
	s.pieces = pieces
	s.mu.Unlock()
	return nil
}

// Run drives the session until ctx is cancelled, Close is called or the torrent fails.
// It returns the failure, if any.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("swarm: session already running")
	}
	if s.ctx.Err() != nil {
		s.shutdown()
		return ErrStopped
	}
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	s.log.Info().Str("name", s.Name()).Msg("starting torrent")
	if s.manager() != nil {
		s.activate()
	}

	s.goLoop(s.connectLoop)
	s.goLoop(s.chokeLoop)
	s.goLoop(s.pexLoop)
	s.goLoop(s.sweepLoop)
	for _, src := range s.p.Sources {
		s.goLoop(func() { s.announceLoop(src) })
	}

	<-s.ctx.Done()
	s.shutdown()
	return s.Err()
}

func (s *Session) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// activate runs the resume check and starts requesting.
func (s *Session) activate() {
	pieces := s.manager()
	found, err := pieces.Verify(s.ctx)
	if err != nil {
		return
	}
	if found > 0 {
		s.log.Info().Int("pieces", found).Msg("resumed existing data")
	}
	s.state.CompareAndSwap(int32(Initializing), int32(Active))

	have := pieces.Bitfield()
	for _, pc := range s.liveConns() {
		ps := pc.ps
		ps.SetNumPieces(pieces.NumPieces())
		pieces.PeerBitfield(pc.key, ps.Pieces().ToArray())
		for i := range pieces.NumPieces() {
			if have.Has(i) && !ps.HasPiece(i) && ps.SendHave(i) != nil {
				break
			}
		}
	}
	if pieces.Complete() {
		s.finish()
		return
	}
	for _, pc := range s.liveConns() {
		s.update(pc, pc.ps)
	}
}

// finish moves the session to seeding once every wanted piece is verified.
func (s *Session) finish() {
	s.completeOnce.Do(func() {
		if !s.state.CompareAndSwap(int32(Active), int32(Seeding)) {
			return
		}
		s.mu.Lock()
		store := s.store
		s.mu.Unlock()
		if err := store.Finalize(); err != nil {
			s.fail(fmt.Errorf("error finalizing storage: %w", err))
			return
		}
		close(s.completed)
		_, _, done := s.manager().Progress()
		s.log.Info().Str("size", humanize.Bytes(uint64(done))).Msg("download complete")

		// Seeds have nothing for us and want nothing from us.
		for _, pc := range s.liveConns() {
			if pc.ps.IsSeed() {
				pc.ps.Close()
			}
		}
	})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.state.Store(int32(Failed))
	s.log.Error().Err(err).Msg("torrent failed")
	s.cancel()
}

// Close stops the session. It waits for peer sessions to end and for queued
// verifications and writes to finish, then closes storage.
func (s *Session) Close() error {
	s.cancel()
	if s.running.Load() {
		<-s.stopped
	} else {
		s.shutdown()
	}
	return nil
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.running.Load() {
			s.announceStopped()
		}

		s.mu.Lock()
		var sessions []*peerConn
		for _, pc := range s.conns {
			if pc.ps != nil {
				sessions = append(sessions, pc)
			}
		}
		s.mu.Unlock()
		for _, pc := range sessions {
			pc.ps.Close()
		}
		for _, pc := range sessions {
			<-pc.ps.Done()
		}
		s.wg.Wait()

		s.mu.Lock()
		pieces, store := s.pieces, s.store
		s.mu.Unlock()
		if pieces != nil {
			pieces.Close()
		}
		if store != nil {
			if err := store.Close(); err != nil {
				s.log.Error().Err(err).Msg("error closing storage")
			}
		}
		if s.State() != Failed {
			s.state.Store(int32(Stopped))
		}
		s.log.Info().Msg("torrent stopped")
		close(s.stopped)
	})
}

func (s *Session) manager() *piece.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces
}

func (s *Session) InfoHash() metainfo.InfoHash { return s.infoHash }
func (s *Session) State() State                { return State(s.state.Load()) }

// Completed is closed when the download finishes.
func (s *Session) Completed() <-chan struct{} { return s.completed }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.stopped }

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == "" {
		return s.infoHash.String()
	}
	return s.name
}

// Info returns the torrent metadata, or nil while a magnet download is fetching it.
func (s *Session) Info() *metainfo.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Err is the reason the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Bitfield returns the verified pieces, or nil before the metadata is known.
func (s *Session) Bitfield() bitfield.Bitfield {
	if pieces := s.manager(); pieces != nil {
		return pieces.Bitfield()
	}
	return nil
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{State: s.State(), Candidates: len(s.queue)}
	st.Uploaded, st.Downloaded = s.closedUp.Load(), s.closedDown.Load()
	for _, pc := range s.conns {
		if pc.ps == nil || pc.closed {
			continue
		}
		st.Peers++
		st.Uploaded += pc.ps.Uploaded()
		st.Downloaded += pc.ps.Downloaded()
	}
	pieces, info := s.pieces, s.info
	s.mu.Unlock()

	if pieces != nil {
		st.PiecesDone, st.PiecesTotal, st.BytesDone = pieces.Progress()
		st.BytesTotal = int64(info.Length)
	}
	return st
}

func (s *Session) String() string {
	return s.Name() + " " + s.Stats().String()
}

// observer receives verification results from the piece manager.
type observer struct {
	s *Session
}

func (o observer) PieceCompleted(index int) {
	s := o.s
	conns := s.liveConns()
	for _, pc := range conns {
		if !pc.ps.HasPiece(index) {
			pc.ps.SendHave(index)
		}
	}
	if s.manager().Complete() {
		s.finish()
		return
	}
	for _, pc := range conns {
		s.update(pc, pc.ps)
	}
}

// PieceFailed logs the contributing peers. Nobody is banned for one bad piece; the
// piece is requested again.
func (o observer) PieceFailed(index int, peers []string) {
	o.s.log.Warn().Int("piece", index).Strs("peers", peers).Msg("piece failed verification")
	for _, pc := range o.s.liveConns() {
		o.s.update(pc, pc.ps)
	}
}

func (o observer) WriteFailed(index int, err error) {
	o.s.fail(fmt.Errorf("error writing piece %d: %w", index, err))
}
