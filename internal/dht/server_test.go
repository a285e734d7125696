package dht

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append([]Option{WithQueryTimeout(time.Second), WithRateLimit(rate.Inf, 0)}, opts...)
	s := NewServer(conn, RandomNodeID(), opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func addrOf(t *testing.T, s *Server) netip.AddrPort {
	t.Helper()
	return s.Addr().(*net.UDPAddr).AddrPort()
}

// rawQuery sends b from a fresh socket and returns the parsed reply.
func rawQuery(t *testing.T, to netip.AddrPort, b []byte) *Msg {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.WriteTo(b, net.UDPAddrFromAddrPort(to)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no reply: %v", err)
	}
	m, err := ParseMsg(buf[:n])
	if m == nil {
		t.Fatalf("unparseable reply %q: %v", buf[:n], err)
	}
	return m
}

// A node with an empty table still answers find_node, with an empty nodes string.
func TestFindNodeEmptyTable(t *testing.T) {
	s := newTestServer(t)
	q := &Msg{T: "ab", Y: TypeQuery, Q: QueryFindNode, A: &Args{ID: RandomNodeID(), Target: RandomNodeID()}}
	b, _ := q.Marshal()

	m := rawQuery(t, addrOf(t, s), b)
	if m.Y != TypeResponse {
		t.Fatalf("y = %q, want response (err %v)", m.Y, m.E)
	}
	if m.T != "ab" {
		t.Errorf("t = %q, want ab", m.T)
	}
	if m.R.Nodes == nil || len(m.R.Nodes) != 0 {
		t.Errorf("nodes = %#v, want empty list", m.R.Nodes)
	}
	if m.R.ID != s.ID() {
		t.Errorf("id = %s, want %s", m.R.ID, s.ID())
	}
	if got := s.Stats().QueriesReceived; got != 1 {
		t.Errorf("QueriesReceived = %d, want 1", got)
	}
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	q := &Msg{T: "ab", Y: TypeQuery, Q: "vote", A: &Args{ID: RandomNodeID()}}
	b, _ := q.Marshal()
	m := rawQuery(t, addrOf(t, s), b)
	if m.Y != TypeError || m.E.Code != ErrCodeMethodUnknown {
		t.Errorf("reply = %+v, want error 204", m)
	}
}

func TestPingLearnsBothSides(t *testing.T) {
	a, b := newTestServer(t), newTestServer(t)
	ctx := context.Background()

	id, err := a.Ping(ctx, addrOf(t, b))
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if id != b.ID() {
		t.Errorf("Ping id = %s, want %s", id, b.ID())
	}
	n, ok := a.Table().Get(b.ID())
	if !ok {
		t.Fatal("responder not in table")
	}
	if !n.Good(time.Now()) {
		t.Errorf("responder not good: %+v", n)
	}
	if _, ok := b.Table().Get(a.ID()); !ok {
		t.Error("querier not learned")
	}
}

func TestMalformedDatagramIgnored(t *testing.T) {
	a, b := newTestServer(t), newTestServer(t)
	conn, _ := net.ListenPacket("udp", "127.0.0.1:0")
	defer conn.Close()
	for _, junk := range []string{"", "x", "d1:t", "li1ee", "d1:t2:aa1:y1:qe"} {
		conn.WriteTo([]byte(junk), net.UDPAddrFromAddrPort(addrOf(t, b)))
	}
	if _, err := a.Ping(context.Background(), addrOf(t, b)); err != nil {
		t.Fatalf("Ping after junk: %v", err)
	}
}

func TestAnnounceRequiresValidToken(t *testing.T) {
	a, b := newTestServer(t), newTestServer(t)
	ctx := context.Background()
	ih := RandomNodeID()

	bNode := Node{ID: b.ID(), Addr: addrOf(t, b)}
	r, err := a.GetPeers(ctx, bNode, ih)
	if err != nil {
		t.Fatalf("GetPeers: %v", err)
	}
	if r.Token == "" {
		t.Fatal("no token issued")
	}
	if len(r.Values) != 0 {
		t.Errorf("values = %v, want none", r.Values)
	}

	err = a.AnnouncePeer(ctx, bNode, ih, 7000, "bogus-token!")
	var kerr *Error
	if !errors.As(err, &kerr) || kerr.Code != ErrCodeProtocol {
		t.Fatalf("announce with bad token: err = %v, want protocol error", err)
	}

	if err := a.AnnouncePeer(ctx, bNode, ih, 7000, r.Token); err != nil {
		t.Fatalf("AnnouncePeer: %v", err)
	}
	want := netip.MustParseAddrPort("127.0.0.1:7000")
	if got := b.PeerStore().Get(ih, 10); !slices.Contains(got, want) {
		t.Errorf("stored peers = %v, want %v", got, want)
	}

	r, err = a.GetPeers(ctx, bNode, ih)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(r.Values, want) {
		t.Errorf("values = %v, want %v", r.Values, want)
	}
}

func TestQueryTimeout(t *testing.T) {
	a := newTestServer(t)
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = a.Ping(ctx, silent.LocalAddr().(*net.UDPAddr).AddrPort())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if n := a.txns.len(); n != 0 {
		t.Errorf("%d transactions left pending", n)
	}
}

func TestUnmatchedResponseDropped(t *testing.T) {
	s := newTestServer(t)
	resp := &Msg{T: "zz", Y: TypeResponse, R: &Return{ID: RandomNodeID()}}
	b, _ := resp.Marshal()
	conn, _ := net.ListenPacket("udp", "127.0.0.1:0")
	defer conn.Close()
	conn.WriteTo(b, net.UDPAddrFromAddrPort(addrOf(t, s)))

	deadline := time.Now().Add(2 * time.Second)
	for s.Stats().Dropped == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", s.Stats().Dropped)
	}
	if s.Table().Len() != 0 {
		t.Error("unmatched responder added to table")
	}
}

func TestLookupAcrossNetwork(t *testing.T) {
	const size = 12
	servers := make([]*Server, size)
	for i := range servers {
		// Buckets large enough that no node of the small network is ever evicted.
		servers[i] = newTestServer(t, WithK(20))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	seed := addrOf(t, servers[0]).String()
	for _, s := range servers[1:] {
		if err := s.Bootstrap(ctx, []string{seed}); err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}
	}

	ih := RandomNodeID()
	_, accepted, err := servers[5].Announce(ctx, ih, 7000)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if accepted == 0 {
		t.Fatal("no node accepted the announce")
	}

	peers, err := servers[9].FindPeers(ctx, ih)
	if err != nil {
		t.Fatalf("FindPeers: %v", err)
	}
	want := netip.MustParseAddrPort("127.0.0.1:7000")
	if !slices.Contains(peers, want) {
		t.Errorf("peers = %v, want %v", peers, want)
	}

	nodes, err := servers[3].Lookup(ctx, servers[7].ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(nodes) == 0 || nodes[0].ID != servers[7].ID() {
		t.Errorf("Lookup did not find the target node first: %v", nodes)
	}
}
