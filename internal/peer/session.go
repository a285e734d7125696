package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/leorafaelmb/bittorrent-client/internal/bitfield"
	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
	"github.com/leorafaelmb/bittorrent-client/internal/mse"
	"github.com/leorafaelmb/bittorrent-client/internal/transport"
)

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler receives session events. Calls come from the session's read loop, one at a
// time and in wire order.
type Handler interface {
	OnBitfield(s *Session)
	OnHave(s *Session, index int)
	// OnChoke reports the outstanding requests the peer discarded by choking us.
	OnChoke(s *Session, dropped []Request)
	OnUnchoke(s *Session)
	OnInterested(s *Session, interested bool)
	OnRequest(s *Session, r Request)
	OnCancel(s *Session, r Request)
	// OnBlock delivers a received block. data is owned by the handler.
	OnBlock(s *Session, r Request, data []byte)
	OnPort(s *Session, port uint16)
	OnExtendedHandshake(s *Session, h *ExtendedHandshake)
	OnMetadata(s *Session, m *MetadataMsg)
	OnPex(s *Session, m *PexMsg)
	OnClose(s *Session, err error)
}

// NopHandler ignores every event. Embed it to implement only part of Handler.
type NopHandler struct{}

func (NopHandler) OnBitfield(*Session)                              {}
func (NopHandler) OnHave(*Session, int)                             {}
func (NopHandler) OnChoke(*Session, []Request)                      {}
func (NopHandler) OnUnchoke(*Session)                               {}
func (NopHandler) OnInterested(*Session, bool)                      {}
func (NopHandler) OnRequest(*Session, Request)                      {}
func (NopHandler) OnCancel(*Session, Request)                       {}
func (NopHandler) OnBlock(*Session, Request, []byte)                {}
func (NopHandler) OnPort(*Session, uint16)                          {}
func (NopHandler) OnExtendedHandshake(*Session, *ExtendedHandshake) {}
func (NopHandler) OnMetadata(*Session, *MetadataMsg)                {}
func (NopHandler) OnPex(*Session, *PexMsg)                          {}
func (NopHandler) OnClose(*Session, error)                          {}

// Params describe the local side of a session.
type Params struct {
	InfoHash metainfo.InfoHash
	PeerID   [20]byte
	// Bitfield holds the pieces we have. It is sent as the first message when any
	// bit is set.
	Bitfield bitfield.Bitfield
	// NumPieces is 0 while the metadata is still unknown.
	NumPieces    int
	MetadataSize int
	// DHTPort, when non-zero, is announced to peers that set the DHT reserved bit.
	DHTPort int
	// Private torrents advertise neither DHT nor peer exchange.
	Private bool
	Handler Handler
}

// Session is one live peer connection. A read loop dispatches incoming messages to the
// Handler and a write loop drains a bounded outgoing queue.
type Session struct {
	cfg      Config
	log      zerolog.Logger
	conn     net.Conn
	addr     string
	handler  Handler
	infoHash metainfo.InfoHash
	localID  [20]byte
	remote   Handshake
	outbound bool

	state      atomic.Int32
	uploaded   atomic.Int64
	downloaded atomic.Int64

	// sendMu orders a state change with the message announcing it, so that nothing
	// enqueued afterwards can overtake that message.
	sendMu sync.Mutex

	mu             sync.Mutex
	numPieces      int
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	pieces         *roaring.Bitmap
	outstanding    map[Request]time.Time
	uploads        map[Request]struct{}
	ext            *ExtendedHandshake
	err            error

	// sawPieces is set by the first have or bitfield. Read loop only.
	sawPieces bool

	outq      chan *Message
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newSession(conn net.Conn, p Params, outbound bool, opts []Option) *Session {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	handler := p.Handler
	if handler == nil {
		handler = NopHandler{}
	}
	addr := conn.RemoteAddr().String()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("peer", addr).Logger(),
		conn:        conn,
		addr:        addr,
		handler:     handler,
		infoHash:    p.InfoHash,
		localID:     p.PeerID,
		outbound:    outbound,
		numPieces:   p.NumPieces,
		amChoking:   true,
		peerChoking: true,
		pieces:      roaring.New(),
		outstanding: make(map[Request]time.Time),
		uploads:     make(map[Request]struct{}),
		outq:        make(chan *Message, max(cfg.WriteQueue, MaxPeerRequests+32)),
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// Dial opens a stream to addr, exchanges handshakes and starts the session. Under
// mse.Prefer a failed encryption handshake is retried once in plaintext.
func Dial(ctx context.Context, d transport.Dialer, addr netip.AddrPort, p Params, opts ...Option) (*Session, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := dial(ctx, d, addr, p, opts, cfg.Encryption)
	if err != nil && cfg.Encryption == mse.Prefer && errors.Is(err, mse.ErrHandshake) && ctx.Err() == nil {
		return dial(ctx, d, addr, p, opts, mse.Plaintext)
	}
	return s, err
}

func dial(ctx context.Context, d transport.Dialer, addr netip.AddrPort, p Params, opts []Option, policy mse.Policy) (*Session, error) {
	conn, err := transport.Dial(ctx, d, addr)
	if err != nil {
		return nil, err
	}
	s := newSession(conn, p, true, opts)
	s.state.Store(int32(StateHandshaking))

	err = s.withHandshakeDeadline(ctx, func() error {
		if policy != mse.Plaintext {
			ec, err := mse.Initiate(conn, p.InfoHash[:], policy)
			if err != nil {
				return err
			}
			s.conn = ec
		}
		if _, err := s.conn.Write(s.localHandshake(p).Marshal()); err != nil {
			return fmt.Errorf("error writing handshake: %w", err)
		}
		h, err := ReadHandshake(s.conn)
		if err != nil {
			return err
		}
		if err := h.validate(p.InfoHash, p.PeerID); err != nil {
			return err
		}
		s.remote = h
		return nil
	})
	if err != nil {
		s.abort()
		return nil, err
	}
	s.start(p)
	return s, nil
}

// Accept completes an incoming connection whose handshake has already been read,
// typically by a listener routing connections by info hash.
func Accept(ctx context.Context, conn net.Conn, remote Handshake, p Params, opts ...Option) (*Session, error) {
	s := newSession(conn, p, false, opts)
	s.state.Store(int32(StateHandshaking))
	if err := remote.validate(p.InfoHash, p.PeerID); err != nil {
		s.abort()
		return nil, err
	}
	s.remote = remote

	err := s.withHandshakeDeadline(ctx, func() error {
		if _, err := conn.Write(s.localHandshake(p).Marshal()); err != nil {
			return fmt.Errorf("error writing handshake: %w", err)
		}
		return nil
	})
	if err != nil {
		s.abort()
		return nil, err
	}
	s.start(p)
	return s, nil
}

func (s *Session) localHandshake(p Params) Handshake {
	return NewHandshake(p.InfoHash, p.PeerID, p.DHTPort > 0 && !p.Private)
}

func (s *Session) withHandshakeDeadline(ctx context.Context, fn func() error) error {
	conn := s.conn
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	err := fn()
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

func (s *Session) abort() {
	s.state.Store(int32(StateClosed))
	s.cancel()
	s.conn.Close()
}

// start queues the opening messages and launches both loops. The bitfield must be
// the first message after the handshake.
func (s *Session) start(p Params) {
	if p.Bitfield != nil && p.Bitfield.Count() > 0 {
		s.outq <- NewBitfield(p.Bitfield)
	}
	if s.remote.SupportsExtensions() {
		hs := &ExtendedHandshake{
			M:            map[string]int{ExtMetadata: int(UtMetadataID)},
			V:            s.cfg.ClientVersion,
			P:            s.cfg.ListenPort,
			MetadataSize: p.MetadataSize,
			Reqq:         MaxPeerRequests,
		}
		if !p.Private {
			hs.M[ExtPex] = int(UtPexID)
		}
		if ap, ok := transport.RemoteAddrPort(s.conn); ok {
			hs.YourIP = ap.Addr()
		}
		if payload, err := hs.Marshal(); err == nil {
			s.outq <- NewExtended(ExtHandshakeID, payload)
		}
	}
	if p.DHTPort > 0 && !p.Private && s.remote.SupportsDHT() {
		s.outq <- NewPort(uint16(p.DHTPort))
	}

	s.state.Store(int32(StateConnected))
	s.log.Debug().Bool("outbound", s.outbound).Msg("session started")
	go s.writeLoop()
	go s.readLoop()
}

func (s *Session) Addr() string                { return s.addr }
func (s *Session) RemoteID() [20]byte          { return s.remote.PeerID }
func (s *Session) RemoteHandshake() Handshake  { return s.remote }
func (s *Session) Outbound() bool              { return s.outbound }
func (s *Session) State() State                { return State(s.state.Load()) }
func (s *Session) Uploaded() int64             { return s.uploaded.Load() }
func (s *Session) Downloaded() int64           { return s.downloaded.Load() }
func (s *Session) Done() <-chan struct{}       { return s.done }
func (s *Session) InfoHash() metainfo.InfoHash { return s.infoHash }

// RemoteAddrPort is the peer's IP endpoint, if the transport has one.
func (s *Session) RemoteAddrPort() (netip.AddrPort, bool) {
	return transport.RemoteAddrPort(s.conn)
}

// ExtendedHandshake returns the peer's LTEP handshake, or nil before it arrives.
func (s *Session) ExtendedHandshake() *ExtendedHandshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ext
}

func (s *Session) AmChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking
}

func (s *Session) AmInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amInterested
}

func (s *Session) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

func (s *Session) PeerInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerInterested
}

// HasPiece reports whether the peer advertised piece index.
func (s *Session) HasPiece(index int) bool {
	if index < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.Contains(uint32(index))
}

// Pieces returns a copy of the peer's advertised pieces.
func (s *Session) Pieces() *roaring.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieces.Clone()
}

func (s *Session) NumPeerPieces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.pieces.GetCardinality())
}

// IsSeed reports whether the peer has every piece. Unknown until the piece count is.
func (s *Session) IsSeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPieces > 0 && int(s.pieces.GetCardinality()) == s.numPieces
}

// SetNumPieces is called once the metadata is known. Bits the peer set past the end
// are discarded.
func (s *Session) SetNumPieces(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numPieces = n
	s.pieces.RemoveRange(uint64(n), uint64(1)<<32)
}

// Outstanding is the number of our requests the peer has not answered.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Interested announces interest in the peer's pieces.
func (s *Session) Interested() error {
	return s.setInterested(true)
}

func (s *Session) NotInterested() error {
	return s.setInterested(false)
}

func (s *Session) setInterested(v bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.amInterested == v {
		s.mu.Unlock()
		return nil
	}
	s.amInterested = v
	s.mu.Unlock()
	if v {
		return s.send(&Message{ID: MsgInterested})
	}
	return s.send(&Message{ID: MsgNotInterested})
}

// Choke stops serving the peer. Requests it already sent are discarded.
func (s *Session) Choke() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if s.amChoking {
		s.mu.Unlock()
		return nil
	}
	s.amChoking = true
	clear(s.uploads)
	s.mu.Unlock()
	return s.send(&Message{ID: MsgChoke})
}

func (s *Session) Unchoke() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	if !s.amChoking {
		s.mu.Unlock()
		return nil
	}
	s.amChoking = false
	s.mu.Unlock()
	return s.send(&Message{ID: MsgUnchoke})
}

// Request asks the peer for a block. It fails without sending when the peer chokes
// us, when we have not declared interest, or when the pipeline is full.
func (s *Session) Request(r Request) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	err := s.canRequestLocked(r)
	if err == nil {
		if _, dup := s.outstanding[r]; dup {
			s.mu.Unlock()
			return nil
		}
		s.outstanding[r] = time.Now()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.send(NewRequest(r)); err != nil {
		s.mu.Lock()
		delete(s.outstanding, r)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) canRequestLocked(r Request) error {
	limit := s.cfg.PipelineDepth
	if s.ext != nil && s.ext.Reqq > 0 {
		limit = min(limit, s.ext.Reqq)
	}
	switch {
	case s.State() == StateClosed:
		return ErrClosed
	case !s.amInterested:
		return ErrNotInterested
	case s.peerChoking:
		return ErrChoked
	case len(s.outstanding) >= limit:
		return ErrPipelineFull
	case !s.pieces.Contains(r.Index):
		return ErrPeerLacksPiece
	}
	return nil
}

// CanRequest reports whether Request would currently be accepted for a block of a
// piece the peer has.
func (s *Session) CanRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.cfg.PipelineDepth
	if s.ext != nil && s.ext.Reqq > 0 {
		limit = min(limit, s.ext.Reqq)
	}
	return s.State() != StateClosed && s.amInterested && !s.peerChoking && len(s.outstanding) < limit
}

// Cancel withdraws an outstanding request.
func (s *Session) Cancel(r Request) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	_, ok := s.outstanding[r]
	delete(s.outstanding, r)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.send(NewCancel(r))
}

// ExpireRequests drops requests older than the request timeout, sends cancels for
// them and returns them.
func (s *Session) ExpireRequests(now time.Time) []Request {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	var expired []Request
	for r, sent := range s.outstanding {
		if now.Sub(sent) >= s.cfg.RequestTimeout {
			expired = append(expired, r)
			delete(s.outstanding, r)
		}
	}
	s.mu.Unlock()
	for _, r := range expired {
		if err := s.send(NewCancel(r)); err != nil {
			break
		}
	}
	return expired
}

func (s *Session) SendHave(index int) error {
	return s.send(NewHave(uint32(index)))
}

// SendPiece answers a request the peer made while unchoked. Data for requests that
// were cancelled, or discarded by a choke, is refused.
func (s *Session) SendPiece(r Request, data []byte) error {
	if int(r.Length) != len(data) {
		return fmt.Errorf("block length %d does not match request %s", len(data), r)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	choking := s.amChoking
	_, requested := s.uploads[r]
	s.mu.Unlock()
	if choking {
		return ErrChoking
	}
	if !requested {
		return ErrNotRequested
	}
	return s.send(NewPiece(r.Index, r.Begin, data))
}

// Discard forgets a request the handler will not answer, freeing its slot.
func (s *Session) Discard(r Request) {
	s.mu.Lock()
	delete(s.uploads, r)
	s.mu.Unlock()
}

// SendMetadata sends a ut_metadata message addressed with the peer's extension id.
func (s *Session) SendMetadata(m *MetadataMsg) error {
	id := s.ExtendedHandshake().Supports(ExtMetadata)
	if id == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupported, ExtMetadata)
	}
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	return s.send(NewExtended(id, payload))
}

func (s *Session) SendPex(m *PexMsg) error {
	id := s.ExtendedHandshake().Supports(ExtPex)
	if id == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupported, ExtPex)
	}
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	return s.send(NewExtended(id, payload))
}

func (s *Session) SendPort(port uint16) error {
	return s.send(NewPort(port))
}

// send enqueues m without blocking. Queued blocks are bounded by MaxPeerRequests, so
// a full queue means the peer stopped reading; the session is closed.
func (s *Session) send(m *Message) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.outq <- m:
		return nil
	default:
		s.close(ErrWriteStalled)
		return ErrWriteStalled
	}
}

// Close tears the session down. It does not wait for the loops to exit; use Done.
func (s *Session) Close() error {
	s.close(ErrClosed)
	return nil
}

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(StateClosed))
		s.cancel()
		close(s.closed)
		s.conn.Close()
	})
}

func (s *Session) protocolError(format string, args ...any) error {
	return &ProtocolError{Peer: s.addr, Reason: fmt.Sprintf(format, args...)}
}

func (s *Session) writeLoop() {
	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		var m *Message
		select {
		case <-s.closed:
			return
		case m = <-s.outq:
			if !s.admit(m) {
				continue
			}
		case <-keepAlive.C:
			m = nil
		}

		if m != nil && m.ID == MsgPiece {
			if err := waitN(s.ctx, s.cfg.UploadLimit, len(m.Payload)-8); err != nil {
				return
			}
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.close(fmt.Errorf("error writing to peer: %w", err))
			return
		}
		if _, err := s.conn.Write(m.Marshal()); err != nil {
			s.close(fmt.Errorf("error writing to peer: %w", err))
			return
		}
		if m != nil && m.ID == MsgPiece {
			s.uploaded.Add(int64(len(m.Payload) - 8))
		}
		keepAlive.Reset(s.cfg.KeepAlive)
	}
}

// admit makes the final check on a queued message against the current state.
func (s *Session) admit(m *Message) bool {
	switch m.ID {
	case MsgRequest:
		r, _ := ParseRequest(m)
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.outstanding[r]
		return ok && !s.peerChoking && s.amInterested
	case MsgPiece:
		index, begin, data, _ := ParsePiece(m)
		r := Request{Index: index, Begin: begin, Length: uint32(len(data))}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.uploads[r]; !ok || s.amChoking {
			return false
		}
		delete(s.uploads, r)
		return true
	}
	return true
}

func (s *Session) readLoop() {
	var err error
	defer func() {
		if err == nil {
			err = ErrClosed
		}
		s.close(err)
		reason := s.Err()
		if errors.Is(reason, ErrClosed) {
			s.log.Debug().Msg("session closed")
		} else {
			s.log.Debug().Err(reason).Msg("session ended")
		}
		s.handler.OnClose(s, reason)
		close(s.done)
	}()

	for {
		if err = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		var m *Message
		m, err = ReadMessage(s.conn, s.maxMessageLen())
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				err = s.protocolError("%v", err)
			}
			return
		}
		if err = s.handle(m); err != nil {
			return
		}
	}
}

func (s *Session) maxMessageLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(DefaultMaxMessageLen, (s.numPieces+7)/8+1)
}

func (s *Session) handle(m *Message) error {
	if m == nil {
		return nil
	}
	switch m.ID {
	case MsgChoke:
		s.mu.Lock()
		s.peerChoking = true
		dropped := make([]Request, 0, len(s.outstanding))
		for r := range s.outstanding {
			dropped = append(dropped, r)
		}
		clear(s.outstanding)
		s.mu.Unlock()
		s.handler.OnChoke(s, dropped)

	case MsgUnchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.handler.OnUnchoke(s)

	case MsgInterested, MsgNotInterested:
		interested := m.ID == MsgInterested
		s.mu.Lock()
		s.peerInterested = interested
		s.mu.Unlock()
		s.handler.OnInterested(s, interested)

	case MsgHave:
		s.sawPieces = true
		index, err := ParseHave(m)
		if err != nil {
			return s.protocolError("%v", err)
		}
		s.mu.Lock()
		n := s.numPieces
		if n == 0 || int(index) < n {
			s.pieces.Add(index)
		}
		s.mu.Unlock()
		if n > 0 && int(index) >= n {
			return s.protocolError("have for piece %d of %d", index, n)
		}
		s.handler.OnHave(s, int(index))

	case MsgBitfield:
		if s.sawPieces {
			return s.protocolError("bitfield after piece announcements")
		}
		s.sawPieces = true
		if err := s.setBitfield(m.Payload); err != nil {
			return err
		}
		s.handler.OnBitfield(s)

	case MsgRequest:
		r, err := ParseRequest(m)
		if err != nil {
			return s.protocolError("%v", err)
		}
		if r.Length == 0 || r.Length > MaxRequestLength {
			return s.protocolError("request length %d", r.Length)
		}
		s.mu.Lock()
		choking := s.amChoking
		n := s.numPieces
		_, dup := s.uploads[r]
		queued := len(s.uploads)
		if !choking && !dup && queued < MaxPeerRequests {
			s.uploads[r] = struct{}{}
		}
		s.mu.Unlock()
		if n > 0 && int(r.Index) >= n {
			return s.protocolError("request for piece %d of %d", r.Index, n)
		}
		if !choking && !dup && queued >= MaxPeerRequests {
			return s.protocolError("more than %d queued requests", MaxPeerRequests)
		}
		if choking {
			s.log.Debug().Stringer("request", r).Msg("ignoring request while choking")
			return nil
		}
		s.handler.OnRequest(s, r)

	case MsgPiece:
		index, begin, data, err := ParsePiece(m)
		if err != nil {
			return s.protocolError("%v", err)
		}
		r := Request{Index: index, Begin: begin, Length: uint32(len(data))}
		s.mu.Lock()
		_, requested := s.outstanding[r]
		delete(s.outstanding, r)
		s.mu.Unlock()
		s.downloaded.Add(int64(len(data)))
		if err := waitN(s.ctx, s.cfg.DownloadLimit, len(data)); err != nil {
			return err
		}
		if !requested {
			s.log.Debug().Stringer("block", r).Msg("unsolicited block")
		}
		s.handler.OnBlock(s, r, data)

	case MsgCancel:
		r, err := ParseRequest(m)
		if err != nil {
			return s.protocolError("%v", err)
		}
		s.mu.Lock()
		delete(s.uploads, r)
		s.mu.Unlock()
		s.handler.OnCancel(s, r)

	case MsgPort:
		port, err := ParsePort(m)
		if err != nil {
			return s.protocolError("%v", err)
		}
		s.handler.OnPort(s, port)

	case MsgExtended:
		return s.handleExtended(m)

	default:
		s.log.Debug().Stringer("id", m.ID).Msg("ignoring unknown message")
	}
	return nil
}

func (s *Session) setBitfield(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numPieces > 0 {
		if _, err := bitfield.FromBytes(payload, s.numPieces); err != nil {
			return s.protocolError("%v", err)
		}
	}
	bf := bitfield.Bitfield(payload)
	for i := 0; i < bf.Len(); i++ {
		if s.numPieces > 0 && i >= s.numPieces {
			break
		}
		if bf.Has(i) {
			s.pieces.Add(uint32(i))
		}
	}
	return nil
}

func (s *Session) handleExtended(m *Message) error {
	id, body, err := ParseExtended(m)
	if err != nil {
		return s.protocolError("%v", err)
	}

	switch id {
	case ExtHandshakeID:
		h, err := ParseExtendedHandshake(body)
		if err != nil {
			return s.protocolError("%v", err)
		}
		s.mu.Lock()
		s.ext = h
		s.mu.Unlock()
		s.log.Debug().Str("client", h.V).Int("metadata_size", h.MetadataSize).Msg("extended handshake")
		s.handler.OnExtendedHandshake(s, h)

	case UtMetadataID:
		msg, err := ParseMetadataMsg(body)
		if err != nil {
			return s.protocolError("%v", err)
		}
		s.handler.OnMetadata(s, msg)

	case UtPexID:
		msg, err := ParsePexMsg(body)
		if err != nil {
			return s.protocolError("%v", err)
		}
		s.handler.OnPex(s, msg)

	default:
		s.log.Debug().Uint8("ext", id).Msg("ignoring unknown extension message")
	}
	return nil
}

// waitN blocks until lim admits n bytes, in chunks no larger than its burst.
func waitN(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim == nil || lim.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		chunk := min(n, lim.Burst())
		if chunk <= 0 {
			return fmt.Errorf("rate limiter burst %d", lim.Burst())
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
