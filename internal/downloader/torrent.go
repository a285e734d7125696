package downloader

import (
	"context"
	"net"
	"sync"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
	"github.com/leorafaelmb/bittorrent-client/internal/peer"
	"github.com/leorafaelmb/bittorrent-client/internal/swarm"
)

// TorrentTask downloads a torrent through a swarm session. Each Open starts a new
// session over the same storage, which the resume check picks up from.
type TorrentTask struct {
	infoHash metainfo.InfoHash
	params   swarm.Params
	opts     []swarm.Option

	mu   sync.Mutex
	name string
	// info is known from the start for torrent files, and after the first metadata
	// exchange for magnet links.
	info     *metainfo.Info
	magnet   *metainfo.MagnetLink
	sess     *swarm.Session
	finished chan struct{}
	last     swarm.Stats
	complete bool
	err      error
}

func NewTorrentTask(tf *metainfo.TorrentFile, p swarm.Params, opts ...swarm.Option) *TorrentTask {
	return &TorrentTask{
		infoHash: tf.InfoHash,
		params:   p,
		opts:     opts,
		name:     tf.Info.Name,
		info:     tf.Info,
	}
}

func NewMagnetTask(m *metainfo.MagnetLink, p swarm.Params, opts ...swarm.Option) *TorrentTask {
	name := m.Name
	if name == "" {
		name = m.InfoHash.String()
	}
	return &TorrentTask{
		infoHash: m.InfoHash,
		params:   p,
		opts:     opts,
		name:     name,
		magnet:   m,
	}
}

func (t *TorrentTask) InfoHash() metainfo.InfoHash { return t.infoHash }

func (t *TorrentTask) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != nil {
		return t.sess.Name()
	}
	return t.name
}

// Session is the running swarm session, or nil while the task is not open.
func (t *TorrentTask) Session() *swarm.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

func (t *TorrentTask) newSession() (*swarm.Session, error) {
	if t.info != nil {
		return swarm.New(&metainfo.TorrentFile{Info: t.info, InfoHash: t.infoHash}, t.params, t.opts...)
	}
	return swarm.NewMagnet(t.magnet, t.params, t.opts...)
}

// Open starts a swarm session that runs until Release or until ctx is done.
func (t *TorrentTask) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != nil {
		return ErrAlreadyOpen
	}
	sess, err := t.newSession()
	if err != nil {
		t.err = err
		return err
	}
	finished := make(chan struct{})
	t.sess, t.finished, t.err = sess, finished, nil
	go func() {
		defer close(finished)
		sess.Run(ctx)
	}()
	return nil
}

func (t *TorrentTask) Poll() Status {
	t.mu.Lock()
	sess, name := t.sess, t.name
	if sess == nil {
		st := t.statusLocked(t.last)
		t.mu.Unlock()
		return st
	}
	t.mu.Unlock()

	stats := sess.Stats()
	st := Status{BytesDone: stats.BytesDone, BytesTotal: stats.BytesTotal, Peers: stats.Peers}
	switch stats.State {
	case swarm.Seeding:
		st.State = Complete
	case swarm.Failed:
		st.State = Failed
		st.Err = failure(name, stats, sess.Err())
	case swarm.Stopped:
		st.State = Paused
		if completed(sess) {
			st.State = Complete
		}
	default:
		st.State = Running
	}
	return st
}

func (t *TorrentTask) statusLocked(stats swarm.Stats) Status {
	st := Status{State: Paused, BytesDone: stats.BytesDone, BytesTotal: stats.BytesTotal}
	switch {
	case t.err != nil:
		st.State = Failed
		st.Err = failure(t.name, stats, t.err)
	case t.complete:
		st.State = Complete
	}
	return st
}

func failure(name string, stats swarm.Stats, err error) error {
	return &DownloadError{
		TaskName:    name,
		PiecesDone:  stats.PiecesDone,
		PiecesTotal: stats.PiecesTotal,
		Err:         err,
	}
}

// Release stops the session and waits for it to flush and close its storage.
func (t *TorrentTask) Release() error {
	t.mu.Lock()
	sess, finished := t.sess, t.finished
	t.mu.Unlock()
	if sess == nil {
		return nil
	}

	err := sess.Close()
	<-finished

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sess = nil
	t.last = sess.Stats()
	t.name = sess.Name()
	t.complete = t.complete || completed(sess)
	if sess.State() == swarm.Failed {
		t.err = sess.Err()
	}
	if t.info == nil {
		t.info = sess.Info()
	}
	return err
}

// AddConn hands an incoming connection to the running session.
func (t *TorrentTask) AddConn(conn net.Conn, h peer.Handshake) error {
	sess := t.Session()
	if sess == nil {
		conn.Close()
		return ErrUnknownTorrent
	}
	return sess.AddConn(conn, h)
}

func completed(sess *swarm.Session) bool {
	select {
	case <-sess.Completed():
		return true
	default:
		return false
	}
}
