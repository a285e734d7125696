package swarm

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/leorafaelmb/bittorrent-client/internal/dht"
	"github.com/leorafaelmb/bittorrent-client/internal/lsd"
	"github.com/leorafaelmb/bittorrent-client/internal/tracker"
)

// PeerSource is a feed of candidate peer addresses: a tracker, the DHT or a fixed list.
// A zero interval leaves the re-announce period to the session.
type PeerSource interface {
	Announce(ctx context.Context, req tracker.Request) (peers []netip.AddrPort, interval time.Duration, err error)
	String() string
}

// TrackerSource adapts a tracker client.
type TrackerSource struct {
	Tracker tracker.Announcer
}

func (t TrackerSource) Announce(ctx context.Context, req tracker.Request) ([]netip.AddrPort, time.Duration, error) {
	resp, err := t.Tracker.Announce(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	return resp.Peers, max(resp.Interval, resp.MinInterval), nil
}

func (t TrackerSource) String() string { return t.Tracker.URL() }

// TrackerSources builds a source per tracker URL. URLs with an unsupported scheme are
// logged and skipped.
func TrackerSources(urls []string, log zerolog.Logger, opts ...tracker.Option) []PeerSource {
	var sources []PeerSource
	for _, u := range urls {
		a, err := tracker.New(u, opts...)
		if err != nil {
			log.Debug().Err(err).Str("tracker", u).Msg("skipping tracker")
			continue
		}
		sources = append(sources, TrackerSource{Tracker: a})
	}
	return sources
}

// DHTSource finds peers with get_peers lookups and announces the listen port when
// one is set.
type DHTSource struct {
	Server   *dht.Server
	Interval time.Duration
}

const defaultDHTInterval = 15 * time.Minute

func (d DHTSource) Announce(ctx context.Context, req tracker.Request) ([]netip.AddrPort, time.Duration, error) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDHTInterval
	}
	if req.Event == tracker.EventStopped {
		return nil, interval, nil
	}
	if d.Server.Table().Len() == 0 {
		return nil, 0, errors.New("dht routing table is empty")
	}
	target := dht.NodeID(req.InfoHash)
	if req.Port > 0 {
		peers, _, err := d.Server.Announce(ctx, target, req.Port)
		return peers, interval, err
	}
	peers, err := d.Server.FindPeers(ctx, target)
	return peers, interval, err
}

func (d DHTSource) String() string { return "dht" }

// LSDSource announces on the local network and returns the peers heard there. The
// service rate limits the multicast itself; the short interval only picks up peers
// that announced since the last call.
type LSDSource struct {
	Service  *lsd.Service
	Interval time.Duration
}

const defaultLSDInterval = time.Minute

func (l LSDSource) Announce(_ context.Context, req tracker.Request) ([]netip.AddrPort, time.Duration, error) {
	interval := l.Interval
	if interval <= 0 {
		interval = defaultLSDInterval
	}
	if req.Event == tracker.EventStopped {
		return nil, interval, nil
	}
	if req.Port > 0 {
		if err := l.Service.Announce(req.Port, req.InfoHash); err != nil {
			return l.Service.Peers(req.InfoHash), interval, err
		}
	}
	return l.Service.Peers(req.InfoHash), interval, nil
}

func (l LSDSource) String() string { return "lsd" }

// StaticSource returns the same addresses every time, such as magnet x.pe hints.
type StaticSource []netip.AddrPort

func (s StaticSource) Announce(context.Context, tracker.Request) ([]netip.AddrPort, time.Duration, error) {
	return s, 0, nil
}

func (s StaticSource) String() string { return "static" }
