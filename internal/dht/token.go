package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net/netip"
	"time"
)

// tokenLen is 4 bytes of issue time plus 8 bytes of signature.
const tokenLen = 12

// tokens issues and validates announce_peer write tokens without per-node state.
// A token is the issue time followed by HMAC-SHA1(secret, ip || port || time)[:8].
type tokens struct {
	secret [20]byte
	window time.Duration
	now    func() time.Time
}

func newTokens(window time.Duration) *tokens {
	t := &tokens{window: window, now: time.Now}
	_, _ = rand.Read(t.secret[:])
	return t
}

func (t *tokens) sign(addr netip.AddrPort, ts uint32) []byte {
	mac := hmac.New(sha1.New, t.secret[:])
	ip := addr.Addr().Unmap().As16()
	mac.Write(ip[:])
	mac.Write(binary.BigEndian.AppendUint16(nil, addr.Port()))
	mac.Write(binary.BigEndian.AppendUint32(nil, ts))
	return mac.Sum(nil)[:tokenLen-4]
}

// issue returns a token for the querying address.
func (t *tokens) issue(addr netip.AddrPort) string {
	ts := uint32(t.now().Unix())
	b := binary.BigEndian.AppendUint32(nil, ts)
	return string(append(b, t.sign(addr, ts)...))
}

// valid reports whether token was issued by this node to addr within the window.
func (t *tokens) valid(token string, addr netip.AddrPort) bool {
	if len(token) != tokenLen {
		return false
	}
	ts := binary.BigEndian.Uint32([]byte(token[:4]))
	age := t.now().Sub(time.Unix(int64(ts), 0))
	if age < 0 || age > t.window {
		return false
	}
	return hmac.Equal([]byte(token[4:]), t.sign(addr, ts))
}
