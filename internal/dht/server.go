package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// ErrTimeout is returned when a query gets no response within the query timeout.
var ErrTimeout = errors.New("dht: query timed out")

// ErrClosed is returned by queries on a closed server.
var ErrClosed = errors.New("dht: server closed")

// maxPacketSize bounds one KRPC datagram.
const maxPacketSize = 1 << 16

// maxLimiters caps the per-IP limiter map between maintenance sweeps.
const maxLimiters = 1 << 14

// Stats counts datagrams handled by a Server.
type Stats struct {
	QueriesReceived int64
	QueriesSent     int64
	Timeouts        int64
	Dropped         int64
}

// Server is a DHT node bound to one packet connection. A single read loop serves
// inbound queries and routes responses to the goroutines waiting on them.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	conn   net.PacketConn
	table  *Table
	txns   *transactions
	tokens *tokens
	peers  *PeerStore

	limMu    sync.Mutex
	limiters map[netip.Addr]*rate.Limiter

	queriesIn  atomic.Int64
	queriesOut atomic.Int64
	timeouts   atomic.Int64
	dropped    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewServer starts a node with id on conn. The server owns conn from here on.
func NewServer(conn net.PacketConn, id NodeID, opts ...Option) *Server {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "dht").Logger(),
		conn:     conn,
		table:    NewTable(id, cfg.K, cfg.MaxFailures),
		txns:     newTransactions(),
		tokens:   newTokens(cfg.TokenWindow),
		peers:    NewPeerStore(cfg.PeerTTL, cfg.MaxPeersPerHash),
		limiters: make(map[netip.Addr]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *Server) ID() NodeID {
	return s.table.Self()
}

func (s *Server) Table() *Table {
	return s.table
}

func (s *Server) PeerStore() *PeerStore {
	return s.peers
}

// Addr is the local address of the packet connection.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) Stats() Stats {
	return Stats{
		QueriesReceived: s.queriesIn.Load(),
		QueriesSent:     s.queriesOut.Load(),
		Timeouts:        s.timeouts.Load(),
		Dropped:         s.dropped.Load(),
	}
}

// Close stops the read loop, fails outstanding queries and waits for background work.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("read failed")
			continue
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr := udp.AddrPort()
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

		m, err := ParseMsg(buf[:n])
		if m == nil {
			s.dropped.Inc()
			s.log.Debug().Err(err).Stringer("node", addr).Msg("dropping malformed datagram")
			continue
		}
		switch m.Y {
		case TypeQuery:
			if !s.allow(addr.Addr()) {
				s.dropped.Inc()
				continue
			}
			s.queriesIn.Inc()
			var kerr *Error
			if errors.As(err, &kerr) {
				s.reply(addr, &Msg{T: m.T, Y: TypeError, E: kerr})
				continue
			}
			s.handleQuery(addr, m)
		default:
			if !s.txns.deliver(addr, m) {
				s.dropped.Inc()
				s.log.Debug().Stringer("node", addr).Hex("txn", []byte(m.T)).Msg("unmatched response")
			}
		}
	}
}

func (s *Server) allow(ip netip.Addr) bool {
	if s.cfg.QueryRate == rate.Inf || s.cfg.QueryRate == 0 {
		return true
	}
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		if len(s.limiters) >= maxLimiters {
			clear(s.limiters)
		}
		lim = rate.NewLimiter(s.cfg.QueryRate, s.cfg.QueryBurst)
		s.limiters[ip] = lim
	}
	return lim.Allow()
}

func (s *Server) reply(addr netip.AddrPort, m *Msg) {
	b, err := m.Marshal()
	if err != nil {
		s.log.Error().Err(err).Msg("encoding reply")
		return
	}
	if _, err := s.conn.WriteTo(b, net.UDPAddrFromAddrPort(addr)); err != nil {
		s.log.Debug().Err(err).Stringer("node", addr).Msg("reply failed")
	}
}

func (s *Server) handleQuery(addr netip.AddrPort, m *Msg) {
	self := s.table.Self()
	s.learn(Node{ID: m.A.ID, Addr: addr})

	resp := &Msg{T: m.T, Y: TypeResponse, R: &Return{ID: self}}
	switch m.Q {
	case QueryPing:
	case QueryFindNode:
		resp.R.Nodes = s.table.Closest(m.A.Target, s.cfg.K)
	case QueryGetPeers:
		resp.R.Token = s.tokens.issue(addr)
		if values := s.peers.Get(m.A.InfoHash, 50); len(values) > 0 {
			resp.R.Values = values
		} else {
			resp.R.Nodes = s.table.Closest(m.A.InfoHash, s.cfg.K)
		}
	case QueryAnnouncePeer:
		if !s.tokens.valid(m.A.Token, addr) {
			s.reply(addr, &Msg{T: m.T, Y: TypeError, E: protocolError("bad token")})
			return
		}
		port := uint16(m.A.Port)
		if m.A.ImpliedPort {
			port = addr.Port()
		}
		s.peers.Add(m.A.InfoHash, netip.AddrPortFrom(addr.Addr(), port))
		s.log.Debug().Stringer("info_hash", m.A.InfoHash).Stringer("node", addr).Msg("peer announced")
	default:
		s.reply(addr, &Msg{T: m.T, Y: TypeError,
			E: &Error{Code: ErrCodeMethodUnknown, Message: "method unknown"}})
		return
	}
	s.reply(addr, resp)
}

// learn inserts a node and, when its bucket is full of questionable nodes, pings the
// least recently seen one in the background.
func (s *Server) learn(n Node) {
	lru, _ := s.table.Insert(n)
	if lru == nil {
		return
	}
	s.goPing(*lru)
}

func (s *Server) goPing(n Node) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.query(s.ctx, n, QueryPing, Args{}); err != nil {
			s.log.Debug().Err(err).Stringer("node", n).Msg("ping failed")
		}
	}()
}

// query sends q to n and waits for the matching response. n.ID may be zero when the
// remote id is not yet known.
func (s *Server) query(ctx context.Context, n Node, q string, a Args) (*Msg, error) {
	if s.ctx.Err() != nil {
		return nil, ErrClosed
	}
	a.ID = s.table.Self()
	n.Addr = netip.AddrPortFrom(n.Addr.Addr().Unmap(), n.Addr.Port())
	id, tx := s.txns.add(n.Addr, q, n.ID)
	b, err := (&Msg{T: id, Y: TypeQuery, Q: q, A: &a}).Marshal()
	if err != nil {
		s.txns.remove(n.Addr, id)
		return nil, err
	}
	if _, err := s.conn.WriteTo(b, net.UDPAddrFromAddrPort(n.Addr)); err != nil {
		s.txns.remove(n.Addr, id)
		return nil, fmt.Errorf("sending %s to %s: %w", q, n.Addr, err)
	}
	s.queriesOut.Inc()
	s.table.Queried(n.ID)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	select {
	case resp := <-tx.ch:
		if resp.Y == TypeError {
			return nil, resp.E
		}
		if n.ID != (NodeID{}) && resp.R.ID != n.ID {
			// A different node answered from this address; the old entry is gone.
			s.table.Remove(n.ID)
		}
		s.table.Insert(Node{ID: resp.R.ID, Addr: n.Addr})
		s.table.Seen(resp.R.ID)
		return resp, nil
	case <-ctx.Done():
		s.txns.remove(n.Addr, id)
		if n.ID != (NodeID{}) {
			s.table.Failed(n.ID)
		}
		if s.ctx.Err() != nil {
			return nil, ErrClosed
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.timeouts.Inc()
			return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, q, n.Addr)
		}
		return nil, ctx.Err()
	}
}

// Ping queries addr and returns the responder's id.
func (s *Server) Ping(ctx context.Context, addr netip.AddrPort) (NodeID, error) {
	resp, err := s.query(ctx, Node{Addr: addr}, QueryPing, Args{})
	if err != nil {
		return NodeID{}, err
	}
	return resp.R.ID, nil
}

// FindNode asks n for the nodes it knows closest to target.
func (s *Server) FindNode(ctx context.Context, n Node, target NodeID) ([]Node, error) {
	resp, err := s.query(ctx, n, QueryFindNode, Args{Target: target})
	if err != nil {
		return nil, err
	}
	return resp.R.Nodes, nil
}

// GetPeers asks n for peers of infoHash. The response carries values or closer nodes,
// and a token for a later announce.
func (s *Server) GetPeers(ctx context.Context, n Node, infoHash NodeID) (*Return, error) {
	resp, err := s.query(ctx, n, QueryGetPeers, Args{InfoHash: infoHash})
	if err != nil {
		return nil, err
	}
	return resp.R, nil
}

// AnnouncePeer registers this host as a peer for infoHash on n. With port 0 the node
// uses the source port of the datagram.
func (s *Server) AnnouncePeer(ctx context.Context, n Node, infoHash NodeID, port int, token string) error {
	a := Args{InfoHash: infoHash, Port: port, Token: token, ImpliedPort: port == 0}
	_, err := s.query(ctx, n, QueryAnnouncePeer, a)
	return err
}
