package downloader

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
	"github.com/leorafaelmb/bittorrent-client/internal/mse"
	"github.com/leorafaelmb/bittorrent-client/internal/peer"
	"github.com/leorafaelmb/bittorrent-client/internal/storage"
	"github.com/leorafaelmb/bittorrent-client/internal/swarm"
)

// inboundHandshakeTimeout bounds how long an accepted connection may take to say
// which torrent it wants.
const inboundHandshakeTimeout = 10 * time.Second

// Manager owns a set of tasks keyed by id and routes incoming peer connections to
// the torrent they ask for.
type Manager struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[uuid.UUID]Task
}

// Entry describes one task in a listing.
type Entry struct {
	ID     uuid.UUID
	Name   string
	Status Status
}

func NewManager(opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.UploadLimiter != nil || cfg.DownloadLimiter != nil {
		cfg.Swarm = append(cfg.Swarm, swarm.WithSharedLimiters(cfg.UploadLimiter, cfg.DownloadLimiter))
	}
	cfg.Swarm = append(cfg.Swarm, swarm.WithEncryption(cfg.Encryption))
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[uuid.UUID]Task),
	}
}

// Add registers t and opens it.
func (m *Manager) Add(t Task) (uuid.UUID, error) {
	m.mu.Lock()
	switch {
	case m.ctx.Err() != nil:
		m.mu.Unlock()
		return uuid.Nil, errors.New("downloader: manager closed")
	case len(m.tasks) >= m.cfg.MaxTasks:
		m.mu.Unlock()
		return uuid.Nil, ErrTooManyTasks
	}
	if tt, ok := t.(*TorrentTask); ok && m.torrentLocked(tt.InfoHash()) != nil {
		m.mu.Unlock()
		return uuid.Nil, fmt.Errorf("downloader: torrent %s already added", tt.InfoHash())
	}
	id := uuid.New()
	m.tasks[id] = t
	m.mu.Unlock()

	if err := t.Open(m.ctx); err != nil {
		m.mu.Lock()
		delete(m.tasks, id)
		m.mu.Unlock()
		return uuid.Nil, fmt.Errorf("error opening %s: %w", t.Name(), err)
	}
	m.log.Info().Stringer("task", id).Str("name", t.Name()).Msg("task added")
	return id, nil
}

// AddTorrent adds a torrent file. Storage defaults to files under the data directory.
func (m *Manager) AddTorrent(tf *metainfo.TorrentFile, p swarm.Params) (uuid.UUID, error) {
	return m.Add(NewTorrentTask(tf, m.params(p), m.cfg.Swarm...))
}

// AddMagnet adds a magnet link. Storage defaults to files under the data directory.
func (m *Manager) AddMagnet(link *metainfo.MagnetLink, p swarm.Params) (uuid.UUID, error) {
	return m.Add(NewMagnetTask(link, m.params(p), m.cfg.Swarm...))
}

// AddURL adds a single-stream HTTP download saved under the data directory.
func (m *Manager) AddURL(rawURL string) (uuid.UUID, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return uuid.Nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = u.Hostname()
	}
	return m.Add(NewHTTPTask(rawURL, filepath.Join(m.cfg.DataDir, name),
		WithHTTPClient(m.cfg.HTTPClient),
		WithMaxRetries(m.cfg.MaxRetries),
		WithLogger(m.log),
		func(c *Config) { c.DownloadLimiter = m.cfg.DownloadLimiter }))
}

func (m *Manager) params(p swarm.Params) swarm.Params {
	if p.Storage == nil {
		dir := m.cfg.DataDir
		p.Storage = func(info *metainfo.Info) (swarm.Storage, error) {
			d, err := storage.NewDisk(dir, info)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	return p
}

func (m *Manager) Get(id uuid.UUID) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *Manager) Status(id uuid.UUID) (Status, error) {
	t, err := m.Get(id)
	if err != nil {
		return Status{}, err
	}
	return t.Poll(), nil
}

// Pause releases the task's resources and keeps what it has downloaded.
func (m *Manager) Pause(id uuid.UUID) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return t.Release()
}

func (m *Manager) Resume(id uuid.UUID) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return t.Open(m.ctx)
}

// Remove releases the task and forgets it. Downloaded data stays on disk.
func (m *Manager) Remove(id uuid.UUID) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return t.Release()
}

// List returns every task ordered by name.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	tasks := lo.Entries(m.tasks)
	m.mu.Unlock()

	entries := lo.Map(tasks, func(e lo.Entry[uuid.UUID, Task], _ int) Entry {
		return Entry{ID: e.Key, Name: e.Value.Name(), Status: e.Value.Poll()}
	})
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID.String(), b.ID.String()))
	})
	return entries
}

// Wait polls the task until it completes or fails. A failed task's reason is returned
// as the error; a deadline on ctx yields a TimeoutError.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (Status, error) {
	start := time.Now()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		st, err := m.Status(id)
		if err != nil {
			return st, err
		}
		switch st.State {
		case Complete:
			return st, nil
		case Failed:
			return st, st.Err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return st, &TimeoutError{Duration: time.Since(start), BytesTotal: st.BytesTotal, BytesDone: st.BytesDone}
			}
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Serve accepts peer connections on l until ctx is done, handing each to the torrent
// named in its handshake.
func (m *Manager) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("error accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.route(conn)
		}()
	}
}

func (m *Manager) route(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(inboundHandshakeTimeout))
	stream, err := mse.Accept(conn, m.infoHashes, m.cfg.Encryption)
	if err != nil {
		m.log.Debug().Err(err).Stringer("peer", conn.RemoteAddr()).Msg("incoming stream refused")
		conn.Close()
		return
	}
	conn = stream
	h, err := peer.ReadHandshake(conn)
	if err != nil {
		m.log.Debug().Err(err).Stringer("peer", conn.RemoteAddr()).Msg("bad incoming handshake")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	m.mu.Lock()
	t := m.torrentLocked(h.InfoHash)
	m.mu.Unlock()
	if t == nil {
		m.log.Debug().Stringer("info_hash", h.InfoHash).Stringer("peer", conn.RemoteAddr()).Msg("incoming connection for unknown torrent")
		conn.Close()
		return
	}
	if err := t.AddConn(conn, h); err != nil {
		m.log.Debug().Err(err).Stringer("peer", conn.RemoteAddr()).Msg("incoming connection refused")
	}
}

// infoHashes lists the torrents an encrypted stream may be for.
func (m *Manager) infoHashes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys [][]byte
	for _, t := range m.tasks {
		if tt, ok := t.(*TorrentTask); ok {
			ih := tt.InfoHash()
			keys = append(keys, ih[:])
		}
	}
	return keys
}

func (m *Manager) torrentLocked(ih metainfo.InfoHash) *TorrentTask {
	for _, t := range m.tasks {
		if tt, ok := t.(*TorrentTask); ok && tt.InfoHash() == ih {
			return tt
		}
	}
	return nil
}

// Close releases every task.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	tasks := lo.Values(m.tasks)
	m.mu.Unlock()

	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = t.Release()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
