package lsd

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

var testHash = metainfo.InfoHash{0xde, 0xad, 0xbe, 0xef}

func listen(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	return conn
}

func serve(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnnounceReachesListener(t *testing.T) {
	listenerConn := listen(t)
	listener := New(listenerConn, listenerConn.LocalAddr())
	serve(t, listener)

	sender := New(listen(t), listenerConn.LocalAddr())
	defer sender.Close()
	if err := sender.Announce(51413, testHash); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	waitFor(t, "peer", func() bool { return len(listener.Peers(testHash)) == 1 })
	want := netip.MustParseAddrPort("127.0.0.1:51413")
	if got := listener.Peers(testHash)[0]; got != want {
		t.Errorf("peer = %v, want %v", got, want)
	}
	if got := listener.Peers(metainfo.InfoHash{1}); len(got) != 0 {
		t.Errorf("peers for other torrent = %v, want none", got)
	}
}

func TestOwnAnnounceIgnored(t *testing.T) {
	conn := listen(t)
	s := New(conn, conn.LocalAddr())
	serve(t, s)

	if err := s.Announce(6881, testHash); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, "own announce", func() bool { return s.Stats().Ignored == 1 })
	if got := s.Peers(testHash); len(got) != 0 {
		t.Errorf("Peers = %v, want none", got)
	}
}

func TestAnnounceRateLimited(t *testing.T) {
	listenerConn := listen(t)
	listener := New(listenerConn, listenerConn.LocalAddr())
	serve(t, listener)

	sender := New(listen(t), listenerConn.LocalAddr(), WithAnnounceEvery(time.Hour))
	defer sender.Close()
	for range 3 {
		if err := sender.Announce(6881, testHash); err != nil {
			t.Fatalf("Announce: %v", err)
		}
	}
	// A second torrent is not held back by the first.
	if err := sender.Announce(6881, metainfo.InfoHash{2}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	waitFor(t, "two datagrams", func() bool { return listener.Stats().Received >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := listener.Stats().Received; got != 2 {
		t.Errorf("received %d datagrams, want 2", got)
	}
}

func TestPeersExpire(t *testing.T) {
	s := New(listen(t), DefaultGroup, WithPeerTTL(time.Millisecond))
	defer s.Close()
	from := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 6771}
	s.handle(marshal("239.192.152.143:6771", 6881, "other", testHash), from)
	time.Sleep(5 * time.Millisecond)
	if got := s.Peers(testHash); len(got) != 0 {
		t.Errorf("Peers = %v after ttl, want none", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		pkt     string
		port    uint16
		hashes  int
		wantErr bool
	}{
		{
			name:   "single",
			pkt:    string(marshal("239.192.152.143:6771", 6881, "abc", testHash)),
			port:   6881,
			hashes: 1,
		},
		{
			name: "two infohash headers",
			pkt: "BT-SEARCH * HTTP/1.1\r\nHost: 239.192.152.143:6771\r\nPort: 7000\r\n" +
				"Infohash: " + testHash.String() + "\r\nInfohash: " + metainfo.InfoHash{9}.String() + "\r\n\r\n\r\n",
			port:   7000,
			hashes: 2,
		},
		{name: "wrong method", pkt: "NOTIFY * HTTP/1.1\r\nPort: 1\r\nInfohash: " + testHash.String() + "\r\n\r\n", wantErr: true},
		{name: "missing port", pkt: "BT-SEARCH * HTTP/1.1\r\nInfohash: " + testHash.String() + "\r\n\r\n", wantErr: true},
		{name: "bad infohash", pkt: "BT-SEARCH * HTTP/1.1\r\nPort: 1\r\nInfohash: xyz\r\n\r\n", wantErr: true},
		{name: "no infohash", pkt: "BT-SEARCH * HTTP/1.1\r\nPort: 1\r\n\r\n", wantErr: true},
		{name: "garbage", pkt: "\x00\x01", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := parse([]byte(tt.pkt))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parse succeeded: %+v", a)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if a.port != tt.port {
				t.Errorf("port = %d, want %d", a.port, tt.port)
			}
			if len(a.infoHashes) != tt.hashes {
				t.Errorf("%d info hashes, want %d", len(a.infoHashes), tt.hashes)
			}
		})
	}
}
