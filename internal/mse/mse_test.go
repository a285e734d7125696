package mse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

var (
	torrentKey = bytes.Repeat([]byte{0xab}, 20)
	otherKey   = bytes.Repeat([]byte{0x01}, 20)
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	a, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	b := <-accepted
	if b == nil {
		t.Fatal("Accept failed")
	}
	deadline := time.Now().Add(5 * time.Second)
	a.SetDeadline(deadline)
	b.SetDeadline(deadline)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// recorder keeps a copy of everything written through it.
type recorder struct {
	net.Conn
	wire bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wire.Write(b)
	return r.Conn.Write(b)
}

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func keys(k ...[]byte) func() [][]byte {
	return func() [][]byte { return k }
}

type initiated struct {
	conn *Conn
	err  error
}

func TestHandshakeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		dial   Policy
		accept Policy
	}{
		{name: "require both", dial: Require, accept: Require},
		{name: "prefer to plaintext listener", dial: Prefer, accept: Plaintext},
		{name: "prefer to prefer", dial: Prefer, accept: Prefer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := tcpPair(t)
			rec := &recorder{Conn: a}
			done := make(chan initiated, 1)
			go func() {
				c, err := Initiate(rec, torrentKey, tt.dial)
				done <- initiated{c, err}
			}()

			got, err := Accept(b, keys(otherKey, torrentKey), tt.accept)
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			in := <-done
			if in.err != nil {
				t.Fatalf("Initiate: %v", in.err)
			}
			if !in.conn.Encrypted() {
				t.Error("initiator did not select RC4")
			}
			if c, ok := got.(*Conn); !ok || !c.Encrypted() {
				t.Errorf("accepted %T, want an encrypted *Conn", got)
			}

			msg := append([]byte(nil), pstr...)
			msg = append(msg, "hello over rc4"...)
			if _, err := in.conn.Write(msg); err != nil {
				t.Fatalf("Write: %v", err)
			}
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(got, buf); err != nil {
				t.Fatalf("ReadFull: %v", err)
			}
			if !bytes.Equal(buf, msg) {
				t.Errorf("received %q, want %q", buf, msg)
			}
			if bytes.Contains(rec.wire.Bytes(), pstr) {
				t.Error("protocol string visible on the wire")
			}

			reply := []byte("and back")
			if _, err := got.Write(reply); err != nil {
				t.Fatalf("Write: %v", err)
			}
			buf = make([]byte, len(reply))
			if _, err := io.ReadFull(in.conn, buf); err != nil {
				t.Fatalf("ReadFull: %v", err)
			}
			if !bytes.Equal(buf, reply) {
				t.Errorf("initiator received %q, want %q", buf, reply)
			}
		})
	}
}

func TestAcceptPlaintext(t *testing.T) {
	tests := []struct {
		policy  Policy
		wantErr error
	}{
		{policy: Plaintext},
		{policy: Prefer},
		{policy: Require, wantErr: ErrPlaintextRefused},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			a, b := tcpPair(t)
			msg := append(append([]byte(nil), pstr...), "rest of handshake"...)
			if _, err := a.Write(msg); err != nil {
				t.Fatalf("Write: %v", err)
			}

			got, err := Accept(b, keys(torrentKey), tt.policy)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Accept error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(got, buf); err != nil {
				t.Fatalf("ReadFull: %v", err)
			}
			if !bytes.Equal(buf, msg) {
				t.Errorf("read %q, want the peeked bytes replayed as %q", buf, msg)
			}
		})
	}
}

func TestAcceptUnknownTorrent(t *testing.T) {
	a, b := tcpPair(t)
	done := make(chan error, 1)
	go func() {
		_, err := Initiate(a, torrentKey, Require)
		done <- err
	}()

	_, err := Accept(b, keys(otherKey), Require)
	if !errors.Is(err, ErrUnknownTorrent) {
		t.Fatalf("Accept error = %v, want %v", err, ErrUnknownTorrent)
	}
	b.Close()
	if err := <-done; !errors.Is(err, ErrHandshake) {
		t.Errorf("Initiate error = %v, want %v", err, ErrHandshake)
	}
}

func TestInitiateAgainstPlaintextPeer(t *testing.T) {
	a, b := tcpPair(t)
	// A peer without MSE answers the key exchange with a plain handshake and hangs up.
	go func() {
		buf := make([]byte, keyLen)
		io.ReadFull(b, buf)
		b.Write(append(append([]byte(nil), pstr...), make([]byte, 48)...))
		b.Close()
	}()
	if _, err := Initiate(a, torrentKey, Prefer); !errors.Is(err, ErrHandshake) {
		t.Errorf("Initiate error = %v, want %v", err, ErrHandshake)
	}
}

func TestSyncTo(t *testing.T) {
	marker := []byte("mark")
	tests := []struct {
		name    string
		in      string
		limit   int
		wantErr bool
		rest    string
	}{
		{name: "at start", in: "markrest", limit: 0, rest: "rest"},
		{name: "after padding", in: "xxxxmarkrest", limit: 4, rest: "rest"},
		{name: "overlapping prefix", in: "mamarkrest", limit: 4, rest: "rest"},
		{name: "too much padding", in: "xxxxxmark", limit: 4, wantErr: true},
		{name: "missing", in: "xx", limit: 4, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufioReader(tt.in)
			err := syncTo(r, marker, tt.limit)
			if tt.wantErr {
				if err == nil {
					t.Fatal("syncTo succeeded")
				}
				return
			}
			if err != nil {
				t.Fatalf("syncTo: %v", err)
			}
			rest, _ := io.ReadAll(r)
			if string(rest) != tt.rest {
				t.Errorf("rest = %q, want %q", rest, tt.rest)
			}
		})
	}
}

func TestKeyAgreement(t *testing.T) {
	a, err := newKeyPair()
	if err != nil {
		t.Fatalf("newKeyPair: %v", err)
	}
	b, err := newKeyPair()
	if err != nil {
		t.Fatalf("newKeyPair: %v", err)
	}
	if len(a.public) != keyLen {
		t.Errorf("public key is %d bytes, want %d", len(a.public), keyLen)
	}
	if !bytes.Equal(a.secret(b.public), b.secret(a.public)) {
		t.Error("shared secrets differ")
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: Plaintext},
		{in: "off", want: Plaintext},
		{in: "Prefer", want: Prefer},
		{in: "require", want: Require},
		{in: "always", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
