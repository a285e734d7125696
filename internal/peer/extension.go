package peer

import (
	"fmt"
	"net/netip"

	"github.com/leorafaelmb/bittorrent-client/internal/bencode"
	"github.com/leorafaelmb/bittorrent-client/internal/compact"
)

// Extension ids this client assigns in its own extended handshake. Id 0 is the
// handshake itself.
const (
	ExtHandshakeID uint8 = 0
	UtMetadataID   uint8 = 1
	UtPexID        uint8 = 2

	ExtMetadata = "ut_metadata"
	ExtPex      = "ut_pex"
)

// ExtendedHandshake is the LTEP handshake dictionary.
type ExtendedHandshake struct {
	// M maps extension names to the id the sender wants them addressed with.
	// An id of 0 disables the extension.
	M            map[string]int
	V            string
	P            int
	MetadataSize int
	Reqq         int
	YourIP       netip.Addr
}

// Supports returns the remote id for ext, or 0 if the peer did not advertise it.
func (h *ExtendedHandshake) Supports(ext string) uint8 {
	if h == nil {
		return 0
	}
	id := h.M[ext]
	if id <= 0 || id > 255 {
		return 0
	}
	return uint8(id)
}

func (h *ExtendedHandshake) Marshal() ([]byte, error) {
	d := map[string]any{"m": h.M}
	if h.M == nil {
		d["m"] = map[string]any{}
	}
	if h.V != "" {
		d["v"] = h.V
	}
	if h.P > 0 {
		d["p"] = h.P
	}
	if h.MetadataSize > 0 {
		d["metadata_size"] = h.MetadataSize
	}
	if h.Reqq > 0 {
		d["reqq"] = h.Reqq
	}
	if h.YourIP.IsValid() {
		d["yourip"] = h.YourIP.Unmap().AsSlice()
	}
	return bencode.Encode(d)
}

// ParseExtendedHandshake decodes an LTEP handshake. Unknown keys are ignored.
func ParseExtendedHandshake(b []byte) (*ExtendedHandshake, error) {
	d, err := bencode.DecodeDict(b)
	if err != nil {
		return nil, fmt.Errorf("error decoding extended handshake: %w", err)
	}

	h := &ExtendedHandshake{M: make(map[string]int)}
	if m, ok := bencode.Dict(d, "m"); ok {
		for name, v := range m {
			if id, ok := v.(int64); ok && id >= 0 && id <= 255 {
				h.M[name] = int(id)
			}
		}
	}
	h.V, _ = bencode.String(d, "v")
	if p, ok := bencode.Int(d, "p"); ok && p > 0 && p < 1<<16 {
		h.P = int(p)
	}
	if size, ok := bencode.Int(d, "metadata_size"); ok {
		if size < 0 {
			return nil, fmt.Errorf("negative metadata_size %d", size)
		}
		h.MetadataSize = int(size)
	}
	if reqq, ok := bencode.Int(d, "reqq"); ok && reqq > 0 {
		h.Reqq = int(reqq)
	}
	if ip, ok := bencode.String(d, "yourip"); ok {
		if addr, ok := netip.AddrFromSlice([]byte(ip)); ok {
			h.YourIP = addr.Unmap()
		}
	}
	return h, nil
}

type MetadataMsgType int

const (
	MetadataRequest MetadataMsgType = 0
	MetadataData    MetadataMsgType = 1
	MetadataReject  MetadataMsgType = 2
)

// MetadataMsg is a ut_metadata message. Data follows the dictionary on the wire and
// is only present for MetadataData.
type MetadataMsg struct {
	Type      MetadataMsgType
	Piece     int
	TotalSize int
	Data      []byte
}

func (m *MetadataMsg) Marshal() ([]byte, error) {
	d := map[string]any{"msg_type": int(m.Type), "piece": m.Piece}
	if m.Type == MetadataData {
		d["total_size"] = m.TotalSize
	}
	b, err := bencode.Encode(d)
	if err != nil {
		return nil, err
	}
	if m.Type == MetadataData {
		b = append(b, m.Data...)
	}
	return b, nil
}

// ParseMetadataMsg parses a ut_metadata message. For data messages the raw fragment
// is whatever trails the dictionary.
func ParseMetadataMsg(b []byte) (*MetadataMsg, error) {
	v, next, err := bencode.DecodeAt(b, 0)
	if err != nil {
		return nil, fmt.Errorf("error decoding metadata message: %w", err)
	}
	d, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata message is not a dictionary")
	}

	msgType, ok := bencode.Int(d, "msg_type")
	if !ok || msgType < 0 || msgType > 2 {
		return nil, fmt.Errorf("invalid metadata msg_type")
	}
	piece, ok := bencode.Int(d, "piece")
	if !ok || piece < 0 {
		return nil, fmt.Errorf("invalid metadata piece index")
	}

	m := &MetadataMsg{Type: MetadataMsgType(msgType), Piece: int(piece)}
	if m.Type == MetadataData {
		total, ok := bencode.Int(d, "total_size")
		if !ok || total <= 0 {
			return nil, fmt.Errorf("metadata data message without total_size")
		}
		m.TotalSize = int(total)
		m.Data = b[next:]
	}
	return m, nil
}

// PexFlags describe a peer in a ut_pex "added" list.
type PexFlags byte

const (
	PexEncryption PexFlags = 0x01
	PexSeed       PexFlags = 0x02
	PexUTP        PexFlags = 0x04
	PexHolepunch  PexFlags = 0x08
	PexOutgoing   PexFlags = 0x10
)

type PexPeer struct {
	Addr  netip.AddrPort
	Flags PexFlags
}

// PexMsg is a ut_pex delta. Both address families share one list; the encoding
// splits them into the v4 and v6 keys.
type PexMsg struct {
	Added   []PexPeer
	Dropped []netip.AddrPort
}

func (m *PexMsg) Marshal() ([]byte, error) {
	var (
		added4, added6 []byte
		flags4, flags6 []byte
	)
	for _, p := range m.Added {
		if compact.Is4(p.Addr) {
			added4 = compact.AppendPeer(added4, p.Addr)
			flags4 = append(flags4, byte(p.Flags))
		} else {
			added6 = compact.AppendPeer(added6, p.Addr)
			flags6 = append(flags6, byte(p.Flags))
		}
	}
	d := map[string]any{
		"added":    string(added4),
		"added.f":  string(flags4),
		"added6":   string(added6),
		"added6.f": string(flags6),
		"dropped":  string(compact.MarshalPeers(m.Dropped, compact.PeerLenV4)),
		"dropped6": string(compact.MarshalPeers(m.Dropped, compact.PeerLenV6)),
	}
	return bencode.Encode(d)
}

func ParsePexMsg(b []byte) (*PexMsg, error) {
	d, err := bencode.DecodeDict(b)
	if err != nil {
		return nil, fmt.Errorf("error decoding pex message: %w", err)
	}

	m := &PexMsg{}
	for _, fam := range []struct {
		added, flags, dropped string
		size                  int
	}{
		{"added", "added.f", "dropped", compact.PeerLenV4},
		{"added6", "added6.f", "dropped6", compact.PeerLenV6},
	} {
		added, err := pexPeers(d, fam.added, fam.size)
		if err != nil {
			return nil, err
		}
		flags, _ := bencode.String(d, fam.flags)
		for i, ap := range added {
			p := PexPeer{Addr: ap}
			if i < len(flags) {
				p.Flags = PexFlags(flags[i])
			}
			m.Added = append(m.Added, p)
		}

		dropped, err := pexPeers(d, fam.dropped, fam.size)
		if err != nil {
			return nil, err
		}
		m.Dropped = append(m.Dropped, dropped...)
	}
	return m, nil
}

func pexPeers(d map[string]any, key string, size int) ([]netip.AddrPort, error) {
	s, ok := bencode.String(d, key)
	if !ok || s == "" {
		return nil, nil
	}
	peers, err := compact.ParsePeers([]byte(s), size)
	if err != nil {
		return nil, fmt.Errorf("pex %q: %w", key, err)
	}
	return peers, nil
}
