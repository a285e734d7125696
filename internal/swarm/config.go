package swarm

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leorafaelmb/bittorrent-client/internal/mse"
	"github.com/leorafaelmb/bittorrent-client/internal/peer"
)

type Config struct {
	// MaxConns bounds open and in-progress peer connections.
	MaxConns      int
	PipelineDepth int
	// RequestTimeout applies to block and metadata requests.
	RequestTimeout time.Duration

	// UploadSlots is the number of peers unchoked by rate, not counting the optimistic one.
	UploadSlots   int
	ChokeInterval time.Duration
	// OptimisticEvery rotates the optimistic unchoke every that many choke rounds.
	OptimisticEvery int

	PexInterval time.Duration
	// AnnounceInterval is used when a source does not name its own.
	AnnounceInterval time.Duration
	AnnounceRetry    time.Duration
	SweepInterval    time.Duration
	ConnectInterval  time.Duration
	// FailedBackoff is how long an address that failed stays out of the dial queue.
	FailedBackoff time.Duration
	MaxCandidates int

	// MetadataPeers is how many distinct peers may fail to supply metadata before a
	// magnet download gives up.
	MetadataPeers int

	// ListenPort is announced to trackers and in the extended handshake.
	ListenPort int
	// UploadRate and DownloadRate are shared by every session of the torrent. Nil means
	// unlimited.
	UploadRate   *rate.Limiter
	DownloadRate *rate.Limiter

	// Encryption applies to outgoing connections.
	Encryption mse.Policy

	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxConns:         50,
		PipelineDepth:    peer.DefaultConfig().PipelineDepth,
		RequestTimeout:   30 * time.Second,
		UploadSlots:      4,
		ChokeInterval:    10 * time.Second,
		OptimisticEvery:  3,
		PexInterval:      time.Minute,
		AnnounceInterval: 30 * time.Minute,
		AnnounceRetry:    time.Minute,
		SweepInterval:    5 * time.Second,
		ConnectInterval:  2 * time.Second,
		FailedBackoff:    5 * time.Minute,
		MaxCandidates:    1000,
		MetadataPeers:    8,
		Logger:           zerolog.Nop(),
	}
}

type Option func(*Config)

func WithMaxConns(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

func WithPipelineDepth(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.PipelineDepth = n
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RequestTimeout = d
		}
	}
}

func WithChokeInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ChokeInterval = d
		}
	}
}

func WithPexInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PexInterval = d
		}
	}
}

func WithAnnounceInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AnnounceInterval = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.SweepInterval = d
		}
	}
}

func WithMetadataPeers(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MetadataPeers = n
		}
	}
}

func WithListenPort(port int) Option {
	return func(c *Config) {
		c.ListenPort = port
	}
}

// WithRateLimits caps transfer rates in bytes per second; 0 leaves a direction
// unlimited.
func WithRateLimits(upload, download int) Option {
	return func(c *Config) {
		c.UploadRate = NewLimiter(upload)
		c.DownloadRate = NewLimiter(download)
	}
}

// WithSharedLimiters uses limiters shared with other torrents.
func WithSharedLimiters(upload, download *rate.Limiter) Option {
	return func(c *Config) {
		c.UploadRate = upload
		c.DownloadRate = download
	}
}

func WithEncryption(p mse.Policy) Option {
	return func(c *Config) {
		c.Encryption = p
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// NewLimiter returns a byte rate limiter, or nil for 0.
func NewLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(bytesPerSecond, peer.MaxRequestLength))
}

func (c Config) peerOptions() []peer.Option {
	return []peer.Option{
		peer.WithPipelineDepth(c.PipelineDepth),
		peer.WithRequestTimeout(c.RequestTimeout),
		peer.WithListenPort(c.ListenPort),
		peer.WithRateLimits(c.UploadRate, c.DownloadRate),
		peer.WithEncryption(c.Encryption),
		peer.WithLogger(c.Logger),
	}
}
