package peer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/leorafaelmb/bittorrent-client/internal/mse"
)

// replayConn reads through the buffer used to sniff the stream.
type replayConn struct {
	net.Conn
	r *bufio.Reader
}

func (c replayConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// listenPeers accepts uploader sessions on loopback TCP. An encrypting listener
// runs mse.Accept under policy; a legacy one drops anything that does not open
// with the plain protocol string.
func listenPeers(t *testing.T, encrypting bool, policy mse.Policy, p Params) (netip.AddrPort, <-chan *Session) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	sessions := make(chan *Session, 1)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			var stream net.Conn = conn
			if encrypting {
				stream, err = mse.Accept(conn, func() [][]byte { return [][]byte{p.InfoHash[:]} }, policy)
			} else {
				r := bufio.NewReader(conn)
				head, perr := r.Peek(len(ProtocolString) + 1)
				if perr != nil || head[0] != byte(len(ProtocolString)) || !bytes.Equal(head[1:], []byte(ProtocolString)) {
					err = errors.New("not a plaintext handshake")
				}
				stream = replayConn{conn, r}
			}
			if err != nil {
				conn.Close()
				continue
			}
			h, err := ReadHandshake(stream)
			if err != nil {
				conn.Close()
				continue
			}
			conn.SetDeadline(time.Time{})
			s, err := Accept(context.Background(), stream, h, p)
			if err != nil {
				continue
			}
			sessions <- s
		}
	}()
	t.Cleanup(func() { l.Close() })
	return netip.MustParseAddrPort(l.Addr().String()), sessions
}

func TestEncryptedSession(t *testing.T) {
	tests := []struct {
		name       string
		dial       mse.Policy
		encrypting bool
		accept     mse.Policy
		encrypted  bool
		wantErr    error
	}{
		{name: "require to require", dial: mse.Require, encrypting: true, accept: mse.Require, encrypted: true},
		{name: "prefer to plaintext listener", dial: mse.Prefer, encrypting: true, accept: mse.Plaintext, encrypted: true},
		{name: "plaintext to prefer", dial: mse.Plaintext, encrypting: true, accept: mse.Prefer},
		{name: "prefer falls back for legacy peer", dial: mse.Prefer},
		{name: "require against legacy peer", dial: mse.Require, wantErr: mse.ErrHandshake},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interested := make(chan bool, 1)
			ul := Params{
				InfoHash: testHash, PeerID: remoteID, NumPieces: 4, Bitfield: fullBitfield(4),
				Handler: &testHandler{interest: func(s *Session, v bool) { interested <- v }},
			}
			addr, accepted := listenPeers(t, tt.encrypting, tt.accept, ul)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			gotBitfield := make(chan struct{}, 1)
			dl := Params{
				InfoHash: testHash, PeerID: localID, NumPieces: 4,
				Handler: &testHandler{bitfield: func(s *Session) { gotBitfield <- struct{}{} }},
			}
			s, err := Dial(ctx, &net.Dialer{}, addr, dl, WithEncryption(tt.dial))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Dial error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer s.Close()

			ec, ok := s.conn.(*mse.Conn)
			if got := ok && ec.Encrypted(); got != tt.encrypted {
				t.Errorf("encrypted = %v, want %v", got, tt.encrypted)
			}

			select {
			case us := <-accepted:
				defer us.Close()
			case <-ctx.Done():
				t.Fatal("listener never accepted a session")
			}
			select {
			case <-gotBitfield:
			case <-ctx.Done():
				t.Fatal("no bitfield from uploader")
			}
			s.Interested()
			select {
			case v := <-interested:
				if !v {
					t.Error("uploader saw not interested")
				}
			case <-ctx.Done():
				t.Fatal("uploader never saw interest")
			}
		})
	}
}
