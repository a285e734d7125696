package piece

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

const DefaultBlockSize = 1 << 14

type Config struct {
	BlockSize      int
	RequestTimeout time.Duration
	VerifyWorkers  int
	Logger         zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		BlockSize:      DefaultBlockSize,
		RequestTimeout: 30 * time.Second,
		VerifyWorkers:  runtime.GOMAXPROCS(0),
		Logger:         zerolog.Nop(),
	}
}

type Option func(*Config)

func WithBlockSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BlockSize = n
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

func WithVerifyWorkers(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.VerifyWorkers = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
