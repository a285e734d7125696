package downloader

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/leorafaelmb/bittorrent-client/internal/mse"
	"github.com/leorafaelmb/bittorrent-client/internal/swarm"
)

type Config struct {
	// MaxTasks bounds the tasks a Manager keeps open at once.
	MaxTasks     int
	MaxRetries   int
	PollInterval time.Duration
	DataDir      string
	HTTPClient   *http.Client
	// UploadLimiter and DownloadLimiter are shared by every task. Nil is unlimited.
	UploadLimiter   *rate.Limiter
	DownloadLimiter *rate.Limiter
	Swarm           []swarm.Option
	// Encryption applies to peer connections in both directions.
	Encryption mse.Policy
	Logger     zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxTasks:     50,
		MaxRetries:   3,
		PollInterval: 500 * time.Millisecond,
		DataDir:      ".",
		HTTPClient:   http.DefaultClient,
		Logger:       zerolog.Nop(),
	}
}

type Option func(*Config)

func WithMaxTasks(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxTasks = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxRetries = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

func WithDataDir(dir string) Option {
	return func(c *Config) {
		if dir != "" {
			c.DataDir = dir
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		if client != nil {
			c.HTTPClient = client
		}
	}
}

// WithRateLimits caps the combined transfer rate of all tasks in bytes per second.
// Zero leaves a direction unlimited.
func WithRateLimits(upload, download int) Option {
	return func(c *Config) {
		c.UploadLimiter = swarm.NewLimiter(upload)
		c.DownloadLimiter = swarm.NewLimiter(download)
	}
}

// WithSwarmOptions are applied to every torrent session the manager opens.
func WithSwarmOptions(opts ...swarm.Option) Option {
	return func(c *Config) {
		c.Swarm = append(c.Swarm, opts...)
	}
}

// WithEncryption sets the MSE policy for dialled and accepted peer connections.
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
