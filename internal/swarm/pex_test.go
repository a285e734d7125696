package swarm

import (
	"maps"
	"net/netip"
	"slices"
	"testing"

	"github.com/leorafaelmb/bittorrent-client/internal/peer"
)

func TestPexDelta(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:6881")
	b := netip.MustParseAddrPort("10.0.0.2:6881")
	c := netip.MustParseAddrPort("10.0.0.3:6881")
	d := netip.MustParseAddrPort("10.0.0.4:6881")

	sent := map[netip.AddrPort]struct{}{a: {}, b: {}}
	current := map[netip.AddrPort]peer.PexFlags{
		b: 0,
		d: peer.PexOutgoing,
		c: peer.PexSeed,
	}

	tests := []struct {
		name      string
		limit     int
		wantAdded []peer.PexPeer
		wantNext  []netip.AddrPort
	}{
		{
			name:      "everything fits",
			limit:     maxPexAdded,
			wantAdded: []peer.PexPeer{{Addr: c, Flags: peer.PexSeed}, {Addr: d, Flags: peer.PexOutgoing}},
			wantNext:  []netip.AddrPort{b, c, d},
		},
		{
			name:      "limited",
			limit:     1,
			wantAdded: []peer.PexPeer{{Addr: c, Flags: peer.PexSeed}},
			wantNext:  []netip.AddrPort{b, c},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, next := pexDelta(sent, current, tt.limit)
			if !slices.Equal(msg.Added, tt.wantAdded) {
				t.Errorf("added = %v, want %v", msg.Added, tt.wantAdded)
			}
			if !slices.Equal(msg.Dropped, []netip.AddrPort{a}) {
				t.Errorf("dropped = %v, want [%v]", msg.Dropped, a)
			}
			got := slices.SortedFunc(maps.Keys(next), netip.AddrPort.Compare)
			if !slices.Equal(got, tt.wantNext) {
				t.Errorf("next = %v, want %v", got, tt.wantNext)
			}
		})
	}
}

func TestPexDelta_NothingChanged(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:6881")
	msg, next := pexDelta(map[netip.AddrPort]struct{}{a: {}}, map[netip.AddrPort]peer.PexFlags{a: 0}, maxPexAdded)
	if len(msg.Added) != 0 || len(msg.Dropped) != 0 {
		t.Errorf("message = %+v, want empty", msg)
	}
	if _, ok := next[a]; !ok || len(next) != 1 {
		t.Errorf("next = %v, want {%v}", next, a)
	}
}
