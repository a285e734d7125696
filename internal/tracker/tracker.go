// Package tracker announces to HTTP (BEP 3) and UDP (BEP 15) trackers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

var ErrScrapeUnsupported = errors.New("tracker does not support scrape")

type Event int

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	}
	return ""
}

// Request represents an announce sent to a tracker server.
type Request struct {
	InfoHash   metainfo.InfoHash
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	// NumWant of 0 leaves the choice to the tracker.
	NumWant int
	Key     uint32
}

type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int
	Leechers    int
	Peers       []netip.AddrPort
}

type ScrapeResult struct {
	Seeders   int
	Completed int
	Leechers  int
}

// FailureError carries a tracker's own failure reason.
type FailureError struct {
	Tracker string
	Reason  string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("tracker %s: %s", e.Tracker, e.Reason)
}

// Announcer is a tracker client.
type Announcer interface {
	Announce(ctx context.Context, req Request) (*Response, error)
	Scrape(ctx context.Context, hashes []metainfo.InfoHash) (map[metainfo.InfoHash]ScrapeResult, error)
	URL() string
}

type Config struct {
	// Timeout bounds one HTTP exchange or the first UDP attempt; UDP retries double it.
	Timeout time.Duration
	Retries int
	Logger  zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout: 15 * time.Second,
		Retries: 3,
		Logger:  zerolog.Nop(),
	}
}

type Option func(*Config)

func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

func WithRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.Retries = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// New returns a client for the tracker's URL scheme.
func New(rawURL string, opts ...Option) (Announcer, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid tracker url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPClient(u, cfg), nil
	case "udp":
		if u.Host == "" {
			return nil, fmt.Errorf("udp tracker url %q has no host", rawURL)
		}
		return newUDPClient(u, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}
