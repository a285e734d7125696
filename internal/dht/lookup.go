package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"

	"github.com/anacrolix/multiless"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// DefaultBootstrapNodes are well-known routers used when no saved table exists.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

// candidate is one entry of a lookup's shortlist.
type candidate struct {
	node      Node
	queried   bool
	responded bool
	failed    bool
	token     string
}

// lookup is the state of one iterative lookup.
type lookup struct {
	s      *Server
	target NodeID
	query  string

	mu      sync.Mutex
	seen    map[NodeID]*candidate
	peers   []netip.AddrPort
	queries int
}

func (s *Server) newLookup(target NodeID, query string) *lookup {
	l := &lookup{s: s, target: target, query: query, seen: make(map[NodeID]*candidate)}
	for _, n := range s.table.Closest(target, s.cfg.K) {
		l.add(n)
	}
	return l
}

func (l *lookup) add(n Node) {
	if n.ID == l.s.table.Self() || !n.Addr.IsValid() || n.Addr.Port() == 0 {
		return
	}
	if _, ok := l.seen[n.ID]; ok {
		return
	}
	l.seen[n.ID] = &candidate{node: n}
}

// ordered returns live candidates by distance to the target; among equals, nodes that
// have answered before come first.
func (l *lookup) ordered() []*candidate {
	cands := lo.Filter(lo.Values(l.seen), func(c *candidate, _ int) bool { return !c.failed })
	slices.SortFunc(cands, func(a, b *candidate) int {
		less, ok := multiless.New().
			Cmp(CompareDistance(l.target, a.node.ID, b.node.ID)).
			Bool(b.node.Responses > 0, a.node.Responses > 0).
			LessOk()
		switch {
		case !ok:
			return 0
		case less:
			return -1
		}
		return 1
	})
	return cands
}

// next picks up to alpha unqueried candidates among the K closest live ones.
func (l *lookup) next() []*candidate {
	l.mu.Lock()
	defer l.mu.Unlock()

	var batch []*candidate
	for i, c := range l.ordered() {
		if i >= l.s.cfg.K || len(batch) == l.s.cfg.Alpha || l.queries >= l.s.cfg.QueryBudget {
			break
		}
		if c.queried {
			continue
		}
		c.queried = true
		l.queries++
		batch = append(batch, c)
	}
	return batch
}

// best returns the closest live node found so far.
func (l *lookup) best() (NodeID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cands := l.ordered()
	if len(cands) == 0 {
		return NodeID{}, false
	}
	return cands[0].node.ID, true
}

func (l *lookup) ask(ctx context.Context, c *candidate) {
	var (
		nodes  []Node
		values []netip.AddrPort
		token  string
		err    error
	)
	switch l.query {
	case QueryGetPeers:
		var r *Return
		if r, err = l.s.GetPeers(ctx, c.node, l.target); err == nil {
			nodes, values, token = r.Nodes, r.Values, r.Token
		}
	default:
		nodes, err = l.s.FindNode(ctx, c.node, l.target)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		c.failed = true
		return
	}
	c.responded = true
	c.node.Responses++
	c.token = token
	l.peers = append(l.peers, values...)
	for _, n := range nodes {
		l.add(n)
	}
}

// run queries alpha nodes per round until a round finds nothing closer or the budget is
// spent.
func (l *lookup) run(ctx context.Context) {
	prev, havePrev := l.best()
	for ctx.Err() == nil {
		batch := l.next()
		if len(batch) == 0 {
			return
		}
		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.ask(ctx, c)
			}()
		}
		wg.Wait()

		cur, ok := l.best()
		if !ok {
			return
		}
		if havePrev && !Closer(l.target, cur, prev) && l.pendingInTopK() == 0 {
			return
		}
		prev, havePrev = cur, true
	}
}

// pendingInTopK counts unqueried candidates among the K closest.
func (l *lookup) pendingInTopK() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i, c := range l.ordered() {
		if i >= l.s.cfg.K {
			break
		}
		if !c.queried {
			n++
		}
	}
	return n
}

// closest returns up to K responding nodes, nearest first, with their tokens.
func (l *lookup) closest() []*candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := lo.Filter(l.ordered(), func(c *candidate, _ int) bool { return c.responded })
	if len(out) > l.s.cfg.K {
		out = out[:l.s.cfg.K]
	}
	return out
}

// Lookup runs an iterative find_node for target and returns the closest responding
// nodes.
func (s *Server) Lookup(ctx context.Context, target NodeID) ([]Node, error) {
	l := s.newLookup(target, QueryFindNode)
	if len(l.seen) == 0 {
		return nil, errors.New("dht: routing table is empty")
	}
	l.run(ctx)
	return lo.Map(l.closest(), func(c *candidate, _ int) Node { return c.node }), ctx.Err()
}

// FindPeers runs an iterative get_peers for infoHash and returns the peers collected
// on the way.
func (s *Server) FindPeers(ctx context.Context, infoHash NodeID) ([]netip.AddrPort, error) {
	l := s.newLookup(infoHash, QueryGetPeers)
	if len(l.seen) == 0 {
		return nil, errors.New("dht: routing table is empty")
	}
	l.run(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo.Uniq(l.peers), nil
}

// Announce looks up infoHash, then announces port to the closest nodes that issued a
// token. It returns the peers found and the number of nodes that accepted the
// announce.
func (s *Server) Announce(ctx context.Context, infoHash NodeID, port int) ([]netip.AddrPort, int, error) {
	l := s.newLookup(infoHash, QueryGetPeers)
	if len(l.seen) == 0 {
		return nil, 0, errors.New("dht: routing table is empty")
	}
	l.run(ctx)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for _, c := range l.closest() {
		if c.token == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AnnouncePeer(ctx, c.node, infoHash, port, c.token); err != nil {
				s.log.Debug().Err(err).Stringer("node", c.node).Msg("announce_peer failed")
				return
			}
			accepted.Inc()
		}()
	}
	wg.Wait()

	l.mu.Lock()
	peers := lo.Uniq(l.peers)
	l.mu.Unlock()
	return peers, int(accepted.Load()), nil
}

// Bootstrap pings the given host:port addresses, then looks up the local id to fill
// the table.
func (s *Server) Bootstrap(ctx context.Context, addrs []string) error {
	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved, err := resolve(ctx, a)
			if err != nil {
				s.log.Debug().Err(err).Str("node", a).Msg("resolving bootstrap node")
				return
			}
			for _, ap := range resolved {
				if _, err := s.Ping(ctx, ap); err == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	if s.table.Len() == 0 {
		return errors.New("dht: bootstrap failed, no node answered")
	}
	_, err := s.Lookup(ctx, s.table.Self())
	s.log.Info().Int("nodes", s.table.Len()).Msg("bootstrap complete")
	return err
}

func resolve(ctx context.Context, hostport string) ([]netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return []netip.AddrPort{ap}, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	return lo.Map(ips, func(ip netip.Addr, _ int) netip.AddrPort {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port))
	}), nil
}
