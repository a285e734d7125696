package dht

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/leorafaelmb/bittorrent-client/internal/bencode"
	"github.com/leorafaelmb/bittorrent-client/internal/compact"
)

// KRPC message types.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query names.
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// Msg is one KRPC datagram. Exactly one of A, R and E is set, matching Y.
type Msg struct {
	T string
	Y string
	Q string
	A *Args
	R *Return
	E *Error
	V string
}

// Args are query arguments. Which fields are meaningful depends on the query.
type Args struct {
	ID          NodeID
	Target      NodeID
	InfoHash    NodeID
	Token       string
	Port        int
	ImpliedPort bool
}

// Return is a response body. Nodes is nil when the key was absent and empty when the
// responder knows no nodes.
type Return struct {
	ID     NodeID
	Nodes  []Node
	Values []netip.AddrPort
	Token  string
}

// Error is a KRPC error body; it doubles as the Go error returned to callers.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

func protocolError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// Marshal bencodes m.
func (m *Msg) Marshal() ([]byte, error) {
	d := map[string]any{"t": m.T, "y": m.Y}
	if m.V != "" {
		d["v"] = m.V
	}
	switch m.Y {
	case TypeQuery:
		if m.A == nil {
			return nil, errors.New("krpc: query without arguments")
		}
		d["q"] = m.Q
		a := map[string]any{"id": m.A.ID[:]}
		switch m.Q {
		case QueryFindNode:
			a["target"] = m.A.Target[:]
		case QueryGetPeers:
			a["info_hash"] = m.A.InfoHash[:]
		case QueryAnnouncePeer:
			a["info_hash"] = m.A.InfoHash[:]
			a["port"] = m.A.Port
			a["token"] = m.A.Token
			if m.A.ImpliedPort {
				a["implied_port"] = 1
			}
		}
		d["a"] = a
	case TypeResponse:
		if m.R == nil {
			return nil, errors.New("krpc: response without body")
		}
		r := map[string]any{"id": m.R.ID[:]}
		if m.R.Nodes != nil {
			r["nodes"] = EncodeCompactNodes(m.R.Nodes)
		}
		if m.R.Values != nil {
			values := make([]any, 0, len(m.R.Values))
			for _, v := range m.R.Values {
				values = append(values, compact.AppendPeer(nil, v))
			}
			r["values"] = values
		}
		if m.R.Token != "" {
			r["token"] = m.R.Token
		}
		d["r"] = r
	case TypeError:
		if m.E == nil {
			return nil, errors.New("krpc: error without body")
		}
		d["e"] = []any{m.E.Code, m.E.Message}
	default:
		return nil, fmt.Errorf("krpc: unknown message type %q", m.Y)
	}
	return bencode.Encode(d)
}

// ParseMsg decodes a datagram. A nil message means the datagram is unusable and must be
// dropped. A non-nil message with a *Error is a query that was understood well enough to
// answer with that error.
func ParseMsg(b []byte) (*Msg, error) {
	d, err := bencode.DecodeDict(b)
	if err != nil {
		return nil, err
	}
	t, ok := bencode.String(d, "t")
	if !ok {
		return nil, errors.New("krpc: missing transaction id")
	}
	y, ok := bencode.String(d, "y")
	if !ok {
		return nil, errors.New("krpc: missing message type")
	}
	m := &Msg{T: t, Y: y}
	m.V, _ = bencode.String(d, "v")

	switch y {
	case TypeQuery:
		m.Q, _ = bencode.String(d, "q")
		a, ok := bencode.Dict(d, "a")
		if !ok {
			return m, protocolError("missing arguments")
		}
		args, perr := parseArgs(m.Q, a)
		if perr != nil {
			return m, perr
		}
		m.A = args
	case TypeResponse:
		r, ok := bencode.Dict(d, "r")
		if !ok {
			return nil, errors.New("krpc: response without body")
		}
		ret, err := parseReturn(r)
		if err != nil {
			return nil, err
		}
		m.R = ret
	case TypeError:
		l, ok := bencode.List(d, "e")
		if !ok || len(l) < 2 {
			return nil, errors.New("krpc: malformed error body")
		}
		code, _ := l[0].(int64)
		msg, _ := l[1].(string)
		m.E = &Error{Code: int(code), Message: msg}
	default:
		return nil, fmt.Errorf("krpc: unknown message type %q", y)
	}
	return m, nil
}

func id20(d map[string]any, key string) (NodeID, bool) {
	var id NodeID
	s, ok := bencode.String(d, key)
	if !ok || len(s) != IDLength {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

func parseArgs(q string, a map[string]any) (*Args, *Error) {
	var (
		args Args
		ok   bool
	)
	if args.ID, ok = id20(a, "id"); !ok {
		return nil, protocolError("invalid id")
	}
	switch q {
	case QueryFindNode:
		if args.Target, ok = id20(a, "target"); !ok {
			return nil, protocolError("invalid target")
		}
	case QueryGetPeers:
		if args.InfoHash, ok = id20(a, "info_hash"); !ok {
			return nil, protocolError("invalid info_hash")
		}
	case QueryAnnouncePeer:
		if args.InfoHash, ok = id20(a, "info_hash"); !ok {
			return nil, protocolError("invalid info_hash")
		}
		if args.Token, ok = bencode.String(a, "token"); !ok {
			return nil, protocolError("missing token")
		}
		if implied, ok := bencode.Int(a, "implied_port"); ok && implied != 0 {
			args.ImpliedPort = true
		}
		port, ok := bencode.Int(a, "port")
		if !args.ImpliedPort && (!ok || port <= 0 || port > 65535) {
			return nil, protocolError("invalid port")
		}
		args.Port = int(port)
	}
	return &args, nil
}

func parseReturn(r map[string]any) (*Return, error) {
	var (
		ret Return
		ok  bool
	)
	if ret.ID, ok = id20(r, "id"); !ok {
		return nil, errors.New("krpc: response has invalid id")
	}
	if s, ok := bencode.String(r, "nodes"); ok {
		nodes, err := DecodeCompactNodes([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("krpc: %w", err)
		}
		ret.Nodes = nodes
	}
	if l, ok := bencode.List(r, "values"); ok {
		ret.Values = make([]netip.AddrPort, 0, len(l))
		for _, v := range l {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if ap, err := compact.ParsePeer([]byte(s)); err == nil && ap.Port() != 0 {
				ret.Values = append(ret.Values, ap)
			}
		}
	}
	ret.Token, _ = bencode.String(r, "token")
	return &ret, nil
}
