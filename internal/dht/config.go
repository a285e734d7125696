package dht

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	// K is the bucket capacity and the number of nodes returned by find_node.
	K int
	// Alpha is the lookup parallelism.
	Alpha int
	// QueryBudget caps the queries one iterative lookup may send.
	QueryBudget int
	// MaxFailures is the number of missed responses after which a node is stale.
	MaxFailures  int
	QueryTimeout time.Duration

	TokenWindow     time.Duration
	PeerTTL         time.Duration
	MaxPeersPerHash int

	RefreshInterval     time.Duration
	MaintenanceInterval time.Duration

	// QueryRate and QueryBurst limit inbound queries per source IP.
	QueryRate  rate.Limit
	QueryBurst int

	// NodesFile, when set, is where maintenance persists the routing table.
	NodesFile string

	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		K:                   8,
		Alpha:               3,
		QueryBudget:         64,
		MaxFailures:         2,
		QueryTimeout:        3 * time.Second,
		TokenWindow:         10 * time.Minute,
		PeerTTL:             30 * time.Minute,
		MaxPeersPerHash:     200,
		RefreshInterval:     15 * time.Minute,
		MaintenanceInterval: time.Minute,
		QueryRate:           rate.Limit(20),
		QueryBurst:          40,
		Logger:              zerolog.Nop(),
	}
}

type Option func(*Config)

func WithK(k int) Option {
	return func(c *Config) {
		if k > 0 {
			c.K = k
		}
	}
}

func WithQueryTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.QueryTimeout = d
		}
	}
}

func WithQueryBudget(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.QueryBudget = n
		}
	}
}

func WithMaxFailures(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxFailures = n
		}
	}
}

func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Config) {
		c.QueryRate = r
		c.QueryBurst = burst
	}
}

func WithNodesFile(path string) Option {
	return func(c *Config) {
		c.NodesFile = path
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
