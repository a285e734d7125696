package metainfo

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// MagnetLink is a torrent reference by info hash plus optional hints.
type MagnetLink struct {
	InfoHash InfoHash
	Name     string
	Trackers []string
	// Peers are the x.pe address hints.
	Peers []netip.AddrPort
}

// DeserializeMagnet parses a magnet URI. The xt parameter must carry urn:btih: with a
// hex or base32 info hash; tr may repeat.
func DeserializeMagnet(uri string) (*MagnetLink, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("error parsing magnet link: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet link: scheme %q", u.Scheme)
	}
	q := u.Query()

	var (
		m     MagnetLink
		found bool
	)
	for _, xt := range q["xt"] {
		hash, ok := strings.CutPrefix(xt, "urn:btih:")
		if !ok {
			continue
		}
		m.InfoHash, err = ParseInfoHash(hash)
		if err != nil {
			return nil, err
		}
		found = true
		break
	}
	if !found {
		return nil, errors.New("magnet link has no urn:btih: exact topic")
	}

	m.Name = q.Get("dn")
	m.Trackers = lo.Uniq(lo.Compact(q["tr"]))
	for _, pe := range q["x.pe"] {
		if ap, err := netip.ParseAddrPort(pe); err == nil {
			m.Peers = append(m.Peers, ap)
		}
	}
	return &m, nil
}

// String renders the magnet summary printed by the CLI.
func (m *MagnetLink) String() string {
	return fmt.Sprintf("Tracker URL: %s\nInfo Hash: %s", strings.Join(m.Trackers, ", "), m.InfoHash)
}
