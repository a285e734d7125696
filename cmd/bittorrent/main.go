package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/leorafaelmb/bittorrent-client/internal/logging"
)

type config struct {
	port      int
	dhtPort   int
	dataDir   string
	noDHT     bool
	noLSD     bool
	encrypt   string
	upRate    int
	downRate  int
	maxConns  int
	timeout   time.Duration
	keepSeeds bool
	debug     bool
}

// parseFlags parses global flags. Defaults come from the environment:
//   - BT_PORT: peer listen port
//   - BT_DHT_PORT: DHT UDP port
//   - BT_DATA_DIR: download directory
//   - BT_ENCRYPT: stream encryption policy
//   - DEBUG: enables debug logs if set
func parseFlags(args []string) (config, []string) {
	defaultPort := envInt("BT_PORT", 6881)
	defaultDHTPort := envInt("BT_DHT_PORT", 6881)
	defaultDir := os.Getenv("BT_DATA_DIR")
	if defaultDir == "" {
		defaultDir = "."
	}
	defaultEncrypt := os.Getenv("BT_ENCRYPT")
	if defaultEncrypt == "" {
		defaultEncrypt = "prefer"
	}
	debugDefault := os.Getenv("DEBUG") != ""

	var cfg config
	fs := flag.NewFlagSet("bittorrent", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: bittorrent [flags] <command> [args]\n\ncommands:\n%s\nflags:\n", commandUsage)
		fs.PrintDefaults()
	}
	fs.IntVar(&cfg.port, "port", defaultPort, "peer listen port [env BT_PORT]")
	fs.IntVar(&cfg.port, "p", defaultPort, "alias to -port")
	fs.IntVar(&cfg.dhtPort, "dht-port", defaultDHTPort, "DHT port [env BT_DHT_PORT]")
	fs.StringVar(&cfg.dataDir, "dir", defaultDir, "download directory [env BT_DATA_DIR]")
	fs.StringVar(&cfg.dataDir, "o", defaultDir, "alias to -dir")
	fs.BoolVar(&cfg.noDHT, "no-dht", false, "disable the DHT")
	fs.BoolVar(&cfg.noLSD, "no-lsd", false, "disable local service discovery")
	fs.StringVar(&cfg.encrypt, "encrypt", defaultEncrypt, "stream encryption: plaintext, prefer or require [env BT_ENCRYPT]")
	fs.IntVar(&cfg.upRate, "up", 0, "upload limit in bytes per second, 0 for none")
	fs.IntVar(&cfg.downRate, "down", 0, "download limit in bytes per second, 0 for none")
	fs.IntVar(&cfg.maxConns, "max-conns", 50, "peer connections per torrent")
	fs.DurationVar(&cfg.timeout, "timeout", 0, "give up after this long, 0 for never")
	fs.BoolVar(&cfg.keepSeeds, "seed", false, "keep seeding after downloads complete")
	fs.BoolVar(&cfg.debug, "debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(&cfg.debug, "d", debugDefault, "alias to -debug")
	_ = fs.Parse(args)
	return cfg, fs.Args()
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func main() {
	cfg, args := parseFlags(os.Args[1:])
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "usage: bittorrent [flags] <command> [args]\n\ncommands:\n%s", commandUsage)
		os.Exit(2)
	}
	log := logging.New(os.Stderr, cfg.debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCommand(ctx, cfg, log, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
