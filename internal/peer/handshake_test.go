package peer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

var (
	testHash  = metainfo.InfoHash{1, 2, 3, 4, 5}
	localID   = [20]byte{'-', 'L', 'O', 'C', 'A', 'L'}
	remoteID  = [20]byte{'-', 'R', 'E', 'M', 'O', 'T', 'E'}
	testPeer  = netip.MustParseAddrPort("10.0.0.1:6881")
	otherHash = metainfo.InfoHash{9, 9, 9}
)

type pipeDialer struct {
	conn net.Conn
}

func (d pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return d.conn, nil
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := NewHandshake(testHash, localID, true)
	b := h.Marshal()
	if len(b) != HandshakeLength {
		t.Fatalf("len(Marshal()) = %d, want %d", len(b), HandshakeLength)
	}
	if b[0] != 19 || string(b[1:20]) != ProtocolString {
		t.Errorf("protocol prefix = %q", b[:20])
	}

	got, err := ReadHandshake(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got != h {
		t.Errorf("ReadHandshake = %+v, want %+v", got, h)
	}
	if !got.SupportsExtensions() || !got.SupportsDHT() {
		t.Errorf("reserved bits = %x, want extension and DHT", got.Reserved)
	}
	if NewHandshake(testHash, localID, false).SupportsDHT() {
		t.Error("DHT bit set without DHT")
	}
}

func TestReadHandshakeInvalid(t *testing.T) {
	b := NewHandshake(testHash, localID, false).Marshal()
	copy(b[1:], "BitTorrent protocoX")
	if _, err := ReadHandshake(bytes.NewReader(b)); !errors.Is(err, ErrInvalidHandshake) {
		t.Errorf("bad protocol string: err = %v, want ErrInvalidHandshake", err)
	}
	if _, err := ReadHandshake(bytes.NewReader(b[:30])); err == nil {
		t.Error("short handshake accepted")
	}
}

func TestAcceptRejects(t *testing.T) {
	tests := []struct {
		name   string
		remote Handshake
		want   error
	}{
		{"info hash mismatch", NewHandshake(otherHash, remoteID, false), ErrInfoHashMismatch},
		{"self connection", NewHandshake(testHash, localID, false), ErrSelfConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			defer b.Close()
			_, err := Accept(context.Background(), a, tt.remote, Params{InfoHash: testHash, PeerID: localID})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Accept err = %v, want %v", err, tt.want)
			}
			// The connection is closed after a rejected handshake.
			if _, err := b.Write([]byte{0}); err == nil {
				t.Error("connection still open after rejection")
			}
		})
	}
}

func TestDialRejectsInfoHashMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go func() {
		if _, err := ReadHandshake(b); err != nil {
			return
		}
		b.Write(NewHandshake(otherHash, remoteID, false).Marshal())
	}()

	_, err := Dial(context.Background(), pipeDialer{a}, testPeer, Params{InfoHash: testHash, PeerID: localID})
	if !errors.Is(err, ErrInfoHashMismatch) {
		t.Fatalf("Dial err = %v, want ErrInfoHashMismatch", err)
	}
}
