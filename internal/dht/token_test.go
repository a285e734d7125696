package dht

import (
	"net/netip"
	"testing"
	"time"
)

func TestTokens(t *testing.T) {
	tk := newTokens(10 * time.Minute)
	now := time.Unix(1_700_000_000, 0)
	tk.now = func() time.Time { return now }

	addr := netip.MustParseAddrPort("10.0.0.1:6881")
	tok := tk.issue(addr)
	if !tk.valid(tok, addr) {
		t.Fatal("fresh token rejected")
	}
	if tk.valid(tok, netip.MustParseAddrPort("10.0.0.2:6881")) {
		t.Error("token accepted from another address")
	}
	tampered := []byte(tok)
	tampered[len(tampered)-1] ^= 1
	if tk.valid(string(tampered), addr) {
		t.Error("tampered token accepted")
	}
	if tk.valid("short", addr) {
		t.Error("short token accepted")
	}

	now = now.Add(9 * time.Minute)
	if !tk.valid(tok, addr) {
		t.Error("token rejected inside window")
	}
	now = now.Add(2 * time.Minute)
	if tk.valid(tok, addr) {
		t.Error("expired token accepted")
	}
}
