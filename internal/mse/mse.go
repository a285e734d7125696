// Package mse implements Message Stream Encryption: a Diffie-Hellman exchange keyed
// by the torrent's info hash, after which the peer wire stream runs through RC4 or
// continues in plaintext.
package mse

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
)

// Policy selects how streams are protected.
type Policy int

const (
	// Plaintext dials unencrypted and still accepts encrypted incoming streams.
	Plaintext Policy = iota
	// Prefer dials encrypted, falls back to plaintext, and accepts both.
	Prefer
	// Require dials and accepts encrypted streams only.
	Require
)

func (p Policy) String() string {
	switch p {
	case Plaintext:
		return "plaintext"
	case Prefer:
		return "prefer"
	case Require:
		return "require"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "plaintext", "off", "":
		return Plaintext, nil
	case "prefer":
		return Prefer, nil
	case "require":
		return Require, nil
	}
	return 0, fmt.Errorf("unknown encryption policy %q", s)
}

var (
	ErrHandshake        = errors.New("mse handshake failed")
	ErrUnknownTorrent   = errors.New("mse: stream is for an unknown torrent")
	ErrPlaintextRefused = errors.New("mse: plaintext stream refused")
)

const (
	cryptoPlaintext uint32 = 1
	cryptoRC4       uint32 = 2

	keyLen     = 96
	maxPadding = 512
	// maxInitialPayload bounds IA. Clients put at most the peer handshake there.
	maxInitialPayload = 1 << 13
	discard           = 1024
)

var (
	prime, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74"+
			"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437"+
			"4FE1356D6D51C245E485B576625E7EC6F44C42E9A63A36210000000000090563", 16)
	generator = big.NewInt(2)

	vc = make([]byte, 8)

	pstr = []byte("\x13BitTorrent protocol")
)

// Conn is a peer stream after the MSE handshake. Reads first return any initial
// payload the initiator sent, then the stream.
type Conn struct {
	net.Conn
	r       io.Reader
	pending []byte
	dec     *rc4.Cipher
	enc     *rc4.Cipher

	wmu sync.Mutex
	buf []byte
}

// Encrypted reports whether RC4 was selected.
func (c *Conn) Encrypted() bool { return c.enc != nil }

func (c *Conn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	n, err := c.r.Read(b)
	if c.dec != nil && n > 0 {
		c.dec.XORKeyStream(b[:n], b[:n])
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.enc == nil {
		return c.Conn.Write(b)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if cap(c.buf) < len(b) {
		c.buf = make([]byte, len(b))
	}
	out := c.buf[:len(b)]
	c.enc.XORKeyStream(out, b)
	return c.Conn.Write(out)
}

// bufferedConn replays bytes peeked while sniffing the stream type.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

type keyPair struct {
	private *big.Int
	public  []byte
}

func newKeyPair() (keyPair, error) {
	x := make([]byte, 20)
	if _, err := rand.Read(x); err != nil {
		return keyPair{}, err
	}
	priv := new(big.Int).SetBytes(x)
	pub := new(big.Int).Exp(generator, priv, prime)
	return keyPair{private: priv, public: pub.FillBytes(make([]byte, keyLen))}, nil
}

func (k keyPair) secret(remote []byte) []byte {
	y := new(big.Int).SetBytes(remote)
	return new(big.Int).Exp(y, k.private, prime).FillBytes(make([]byte, keyLen))
}

func hash(parts ...[]byte) []byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func newCipher(name string, s, skey []byte) *rc4.Cipher {
	c, _ := rc4.NewCipher(hash([]byte(name), s, skey))
	skip := make([]byte, discard)
	c.XORKeyStream(skip, skip)
	return c
}

func padding() ([]byte, error) {
	var n [2]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, err
	}
	pad := make([]byte, int(binary.BigEndian.Uint16(n[:]))%(maxPadding+1))
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	return pad, nil
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// syncTo reads until marker has been seen, consuming at most limit bytes before it.
func syncTo(r *bufio.Reader, marker []byte, limit int) error {
	window := make([]byte, 0, len(marker))
	for read := 0; read < limit+len(marker); read++ {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if len(window) == len(marker) {
			copy(window, window[1:])
			window = window[:len(marker)-1]
		}
		window = append(window, b)
		if bytes.Equal(window, marker) {
			return nil
		}
	}
	return errors.New("synchronisation marker not found")
}

func fail(err error) error {
	return fmt.Errorf("%w: %w", ErrHandshake, err)
}

// Initiate runs the initiating side of the handshake for the torrent identified by
// skey, offering RC4 and, unless the policy is Require, plaintext.
func Initiate(conn net.Conn, skey []byte, policy Policy) (*Conn, error) {
	keys, err := newKeyPair()
	if err != nil {
		return nil, fail(err)
	}
	padA, err := padding()
	if err != nil {
		return nil, fail(err)
	}
	if _, err := conn.Write(append(keys.public, padA...)); err != nil {
		return nil, fail(err)
	}

	r := bufio.NewReader(conn)
	yb := make([]byte, keyLen)
	if _, err := io.ReadFull(r, yb); err != nil {
		return nil, fail(err)
	}
	s := keys.secret(yb)
	enc := newCipher("keyA", s, skey)
	dec := newCipher("keyB", s, skey)

	provide := cryptoRC4
	if policy != Require {
		provide |= cryptoPlaintext
	}
	msg := hash([]byte("req1"), s)
	msg = append(msg, xor(hash([]byte("req2"), skey), hash([]byte("req3"), s))...)
	body := make([]byte, 0, 16)
	body = append(body, vc...)
	body = binary.BigEndian.AppendUint32(body, provide)
	body = binary.BigEndian.AppendUint16(body, 0) // len(PadC)
	body = binary.BigEndian.AppendUint16(body, 0) // len(IA)
	enc.XORKeyStream(body, body)
	if _, err := conn.Write(append(msg, body...)); err != nil {
		return nil, fail(err)
	}

	marker := make([]byte, len(vc))
	dec.XORKeyStream(marker, vc)
	if err := syncTo(r, marker, maxPadding); err != nil {
		return nil, fail(err)
	}
	head := make([]byte, 6)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fail(err)
	}
	dec.XORKeyStream(head, head)
	selected := binary.BigEndian.Uint32(head[:4])
	padLen := int(binary.BigEndian.Uint16(head[4:]))
	if padLen > maxPadding {
		return nil, fail(fmt.Errorf("padding of %d bytes", padLen))
	}
	padD := make([]byte, padLen)
	if _, err := io.ReadFull(r, padD); err != nil {
		return nil, fail(err)
	}
	dec.XORKeyStream(padD, padD)

	c := &Conn{Conn: conn, r: r}
	switch selected {
	case cryptoRC4:
		c.enc, c.dec = enc, dec
	case cryptoPlaintext:
		if policy == Require {
			return nil, fail(ErrPlaintextRefused)
		}
	default:
		return nil, fail(fmt.Errorf("peer selected crypto method %#x", selected))
	}
	return c, nil
}

// Accept inspects an incoming stream. A plaintext peer handshake is passed through
// untouched unless the policy is Require; anything else runs the receiving side of
// the handshake, matching the torrent against skeys.
func Accept(conn net.Conn, skeys func() [][]byte, policy Policy) (net.Conn, error) {
	r := bufio.NewReader(conn)
	head, err := r.Peek(len(pstr))
	if err != nil {
		return nil, fail(err)
	}
	if bytes.Equal(head, pstr) {
		if policy == Require {
			return nil, ErrPlaintextRefused
		}
		return &bufferedConn{Conn: conn, r: r}, nil
	}
	return receive(conn, r, skeys)
}

func receive(conn net.Conn, r *bufio.Reader, skeys func() [][]byte) (*Conn, error) {
	ya := make([]byte, keyLen)
	if _, err := io.ReadFull(r, ya); err != nil {
		return nil, fail(err)
	}
	keys, err := newKeyPair()
	if err != nil {
		return nil, fail(err)
	}
	padB, err := padding()
	if err != nil {
		return nil, fail(err)
	}
	if _, err := conn.Write(append(keys.public, padB...)); err != nil {
		return nil, fail(err)
	}
	s := keys.secret(ya)

	if err := syncTo(r, hash([]byte("req1"), s), maxPadding); err != nil {
		return nil, fail(err)
	}
	obfuscated := make([]byte, sha1.Size)
	if _, err := io.ReadFull(r, obfuscated); err != nil {
		return nil, fail(err)
	}
	req2 := xor(obfuscated, hash([]byte("req3"), s))
	var skey []byte
	for _, k := range skeys() {
		if bytes.Equal(hash([]byte("req2"), k), req2) {
			skey = k
			break
		}
	}
	if skey == nil {
		return nil, ErrUnknownTorrent
	}
	dec := newCipher("keyA", s, skey)
	enc := newCipher("keyB", s, skey)

	head := make([]byte, 14)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fail(err)
	}
	dec.XORKeyStream(head, head)
	if !bytes.Equal(head[:8], vc) {
		return nil, fail(errors.New("bad verification constant"))
	}
	provide := binary.BigEndian.Uint32(head[8:12])
	padLen := int(binary.BigEndian.Uint16(head[12:]))
	if padLen > maxPadding {
		return nil, fail(fmt.Errorf("padding of %d bytes", padLen))
	}
	rest := make([]byte, padLen+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fail(err)
	}
	dec.XORKeyStream(rest, rest)
	iaLen := int(binary.BigEndian.Uint16(rest[padLen:]))
	if iaLen > maxInitialPayload {
		return nil, fail(fmt.Errorf("initial payload of %d bytes", iaLen))
	}
	ia := make([]byte, iaLen)
	if _, err := io.ReadFull(r, ia); err != nil {
		return nil, fail(err)
	}
	dec.XORKeyStream(ia, ia)

	var selected uint32
	switch {
	case provide&cryptoRC4 != 0:
		selected = cryptoRC4
	case provide&cryptoPlaintext != 0:
		selected = cryptoPlaintext
	default:
		return nil, fail(fmt.Errorf("no supported crypto method in %#x", provide))
	}

	reply := make([]byte, 0, 14)
	reply = append(reply, vc...)
	reply = binary.BigEndian.AppendUint32(reply, selected)
	reply = binary.BigEndian.AppendUint16(reply, 0) // len(PadD)
	enc.XORKeyStream(reply, reply)
	if _, err := conn.Write(reply); err != nil {
		return nil, fail(err)
	}

	c := &Conn{Conn: conn, r: r, pending: ia}
	if selected == cryptoRC4 {
		c.enc, c.dec = enc, dec
	}
	return c, nil
}
