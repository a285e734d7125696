// Package lsd implements Local Service Discovery: torrents are announced to a
// multicast group on the local network and peers announcing the same info hash are
// collected as connection candidates.
package lsd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

// DefaultGroup is the IPv4 multicast group and port LSD announces on.
var DefaultGroup = &net.UDPAddr{IP: net.IPv4(239, 192, 152, 143), Port: 6771}

const maxPacket = 1400

type Config struct {
	// AnnounceEvery is the minimum gap between two announces of one torrent.
	AnnounceEvery time.Duration
	// PeerTTL is how long a peer heard on the network stays a candidate.
	PeerTTL time.Duration
	Logger  zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		AnnounceEvery: 5 * time.Minute,
		PeerTTL:       15 * time.Minute,
		Logger:        zerolog.Nop(),
	}
}

type Option func(*Config)

func WithAnnounceEvery(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AnnounceEvery = d
		}
	}
}

func WithPeerTTL(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PeerTTL = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Stats counts datagrams seen by Serve.
type Stats struct {
	Received int64
	Ignored  int64
	Invalid  int64
}

// Service announces torrents to a group and remembers who else announced them.
type Service struct {
	cfg    Config
	log    zerolog.Logger
	conn   net.PacketConn
	group  net.Addr
	cookie string

	received atomic.Int64
	ignored  atomic.Int64
	invalid  atomic.Int64

	mu    sync.Mutex
	sent  map[metainfo.InfoHash]time.Time
	peers map[metainfo.InfoHash]map[netip.AddrPort]time.Time
}

// New sends announces on conn to group and reads them back from conn. With a
// multicast socket from transport.ListenMulticast, group is DefaultGroup.
func New(conn net.PacketConn, group net.Addr, opts ...Option) *Service {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "lsd").Logger(),
		conn:   conn,
		group:  group,
		cookie: strings.ReplaceAll(uuid.NewString(), "-", ""),
		sent:   make(map[metainfo.InfoHash]time.Time),
		peers:  make(map[metainfo.InfoHash]map[netip.AddrPort]time.Time),
	}
}

func (s *Service) Stats() Stats {
	return Stats{Received: s.received.Load(), Ignored: s.ignored.Load(), Invalid: s.invalid.Load()}
}

// Announce tells the group that this host serves ih on port. Announces closer
// together than AnnounceEvery are skipped.
func (s *Service) Announce(port int, ih metainfo.InfoHash) error {
	now := time.Now()
	s.mu.Lock()
	if last, ok := s.sent[ih]; ok && now.Sub(last) < s.cfg.AnnounceEvery {
		s.mu.Unlock()
		return nil
	}
	s.sent[ih] = now
	s.mu.Unlock()

	if _, err := s.conn.WriteTo(marshal(s.group.String(), port, s.cookie, ih), s.group); err != nil {
		s.mu.Lock()
		delete(s.sent, ih)
		s.mu.Unlock()
		return fmt.Errorf("error sending lsd announce: %w", err)
	}
	return nil
}

// Peers returns the unexpired peers heard announcing ih.
func (s *Service) Peers(ih metainfo.InfoHash) []netip.AddrPort {
	cutoff := time.Now().Add(-s.cfg.PeerTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []netip.AddrPort
	for ap, seen := range s.peers[ih] {
		if seen.Before(cutoff) {
			delete(s.peers[ih], ap)
			continue
		}
		out = append(out, ap)
	}
	return out
}

// Serve reads announces until ctx is done or the socket is closed. Malformed
// datagrams and our own announces are dropped.
func (s *Service) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	buf := make([]byte, maxPacket)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("error reading lsd socket: %w", err)
		}
		s.received.Inc()
		s.handle(buf[:n], from)
	}
}

func (s *Service) handle(pkt []byte, from net.Addr) {
	a, err := parse(pkt)
	if err != nil {
		s.invalid.Inc()
		s.log.Debug().Err(err).Stringer("from", from).Msg("dropping lsd datagram")
		return
	}
	if a.cookie == s.cookie {
		s.ignored.Inc()
		return
	}
	ua, ok := from.(*net.UDPAddr)
	if !ok {
		s.invalid.Inc()
		return
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		s.invalid.Inc()
		return
	}
	ap := netip.AddrPortFrom(ip.Unmap(), a.port)

	now := time.Now()
	s.mu.Lock()
	for _, ih := range a.infoHashes {
		m := s.peers[ih]
		if m == nil {
			m = make(map[netip.AddrPort]time.Time)
			s.peers[ih] = m
		}
		m[ap] = now
	}
	s.mu.Unlock()
	s.log.Debug().Stringer("peer", ap).Int("torrents", len(a.infoHashes)).Msg("lsd announce")
}

// Close closes the socket, ending Serve.
func (s *Service) Close() error {
	return s.conn.Close()
}

type announce struct {
	port       uint16
	cookie     string
	infoHashes []metainfo.InfoHash
}

func marshal(host string, port int, cookie string, ih metainfo.InfoHash) []byte {
	var b bytes.Buffer
	b.WriteString("BT-SEARCH * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	fmt.Fprintf(&b, "Port: %d\r\n", port)
	fmt.Fprintf(&b, "Infohash: %s\r\n", ih)
	fmt.Fprintf(&b, "cookie: %s\r\n", cookie)
	b.WriteString("\r\n\r\n")
	return b.Bytes()
}

func parse(pkt []byte) (announce, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(pkt)))
	line, err := r.ReadLine()
	if err != nil {
		return announce{}, err
	}
	if !strings.HasPrefix(line, "BT-SEARCH * ") {
		return announce{}, fmt.Errorf("unexpected request line %q", line)
	}
	h, err := r.ReadMIMEHeader()
	if err != nil {
		return announce{}, fmt.Errorf("error reading headers: %w", err)
	}

	port, err := strconv.ParseUint(h.Get("Port"), 10, 16)
	if err != nil || port == 0 {
		return announce{}, fmt.Errorf("invalid port %q", h.Get("Port"))
	}
	a := announce{port: uint16(port), cookie: h.Get("Cookie")}
	for _, v := range h.Values("Infohash") {
		ih, err := metainfo.ParseInfoHash(strings.TrimSpace(v))
		if err != nil {
			return announce{}, err
		}
		a.infoHashes = append(a.infoHashes, ih)
	}
	if len(a.infoHashes) == 0 {
		return announce{}, errors.New("no infohash header")
	}
	return a, nil
}
