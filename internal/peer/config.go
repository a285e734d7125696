package peer

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leorafaelmb/bittorrent-client/internal/mse"
)

const (
	// DefaultMaxMessageLen fits a 128KiB block plus its header.
	DefaultMaxMessageLen = 1<<17 + 13
	// MaxRequestLength is the largest block a peer may ask for.
	MaxRequestLength = 1 << 17
	// MaxPeerRequests is the reqq we advertise: how many unanswered requests a peer
	// may have queued with us.
	MaxPeerRequests = 250
)

type Config struct {
	// PipelineDepth caps outstanding block requests to the peer.
	PipelineDepth    int
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	IdleTimeout      time.Duration
	// WriteTimeout bounds a single write. A peer that stops reading is dropped.
	WriteTimeout time.Duration
	// WriteQueue is the outgoing queue length. It never drops below
	// MaxPeerRequests plus room for control messages. A full queue drops the peer.
	WriteQueue int

	// Encryption decides whether Dial runs the MSE handshake first.
	Encryption mse.Policy

	// ClientVersion and ListenPort are advertised in the extended handshake.
	ClientVersion string
	ListenPort    int

	// UploadLimit and DownloadLimit, when set, throttle block payloads. They are
	// usually shared by every session of a swarm.
	UploadLimit   *rate.Limiter
	DownloadLimit *rate.Limiter

	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		PipelineDepth:    5,
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		KeepAlive:        2 * time.Minute,
		IdleTimeout:      3 * time.Minute,
		WriteTimeout:     30 * time.Second,
		WriteQueue:       1024,
		ClientVersion:    "bittorrent-client/0.1",
		Logger:           zerolog.Nop(),
	}
}

type Option func(*Config)

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

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.WriteTimeout = d
		}
	}
}

func WithEncryption(p mse.Policy) Option {
	return func(c *Config) {
		c.Encryption = p
	}
}

func WithListenPort(port int) Option {
	return func(c *Config) {
		c.ListenPort = port
	}
}

func WithRateLimits(up, down *rate.Limiter) Option {
	return func(c *Config) {
		c.UploadLimit = up
		c.DownloadLimit = down
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
