package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/leorafaelmb/bittorrent-client/internal/bencode"
	"github.com/leorafaelmb/bittorrent-client/internal/dht"
	"github.com/leorafaelmb/bittorrent-client/internal/downloader"
	"github.com/leorafaelmb/bittorrent-client/internal/lsd"
	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
	"github.com/leorafaelmb/bittorrent-client/internal/mse"
	"github.com/leorafaelmb/bittorrent-client/internal/swarm"
	"github.com/leorafaelmb/bittorrent-client/internal/tracker"
	"github.com/leorafaelmb/bittorrent-client/internal/transport"
)

const commandUsage = `  decode <bencoded>              print a bencoded value as JSON
  info <file.torrent>            print torrent metadata
  peers <file.torrent>           announce to the trackers and print the peers
  scrape <file.torrent>          print tracker swarm counts
  magnet_parse <magnet-uri>      print magnet link fields
  dht_peers <info-hash>          look up peers in the DHT
  download <torrent|magnet|url>  download one or more items
`

const (
	bootstrapTimeout = 15 * time.Second
	lookupTimeout    = 30 * time.Second
	progressInterval = 5 * time.Second
	nodesFileName    = ".dht_nodes"
)

func runCommand(ctx context.Context, cfg config, log zerolog.Logger, command string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: missing argument\n\ncommands:\n%s", command, commandUsage)
		}
		return nil
	}
	switch command {
	case "decode":
		if err := need(1); err != nil {
			return err
		}
		return handleDecode(args[0])
	case "info":
		if err := need(1); err != nil {
			return err
		}
		return handleInfo(args[0])
	case "peers":
		if err := need(1); err != nil {
			return err
		}
		return handlePeers(ctx, cfg, log, args[0])
	case "scrape":
		if err := need(1); err != nil {
			return err
		}
		return handleScrape(ctx, log, args[0])
	case "magnet_parse":
		if err := need(1); err != nil {
			return err
		}
		return handleMagnetParse(args[0])
	case "dht_peers":
		if err := need(1); err != nil {
			return err
		}
		return handleDHTPeers(ctx, cfg, log, args[0])
	case "download":
		if err := need(1); err != nil {
			return err
		}
		return handleDownload(ctx, cfg, log, args)
	}
	return fmt.Errorf("unknown command %q\n\ncommands:\n%s", command, commandUsage)
}

func handleDecode(bencodedValue string) error {
	decoded, err := bencode.Decode([]byte(bencodedValue))
	if err != nil {
		return err
	}
	jsonOutput, err := json.Marshal(decoded)
	if err != nil {
		return err
	}
	fmt.Println(string(jsonOutput))
	return nil
}

func handleInfo(filePath string) error {
	t, err := metainfo.DeserializeTorrent(filePath)
	if err != nil {
		return err
	}
	fmt.Println(t)
	return nil
}

func handlePeers(ctx context.Context, cfg config, log zerolog.Logger, filePath string) error {
	t, err := metainfo.DeserializeTorrent(filePath)
	if err != nil {
		return err
	}
	req := tracker.Request{
		InfoHash: t.InfoHash,
		PeerID:   newPeerID(),
		Port:     cfg.port,
		Left:     int64(t.Info.Length),
		Event:    tracker.EventStarted,
		NumWant:  50,
	}

	var errs []error
	var found []string
	for _, url := range t.Trackers() {
		tr, err := tracker.New(url, tracker.WithLogger(log))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		resp, err := tr.Announce(ctx, req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.Debug().Str("tracker", url).Int("seeders", resp.Seeders).Int("leechers", resp.Leechers).Msg("announced")
		for _, p := range resp.Peers {
			found = append(found, p.String())
		}
	}
	if len(found) == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, p := range lo.Uniq(found) {
		fmt.Println(p)
	}
	return nil
}

func handleScrape(ctx context.Context, log zerolog.Logger, filePath string) error {
	t, err := metainfo.DeserializeTorrent(filePath)
	if err != nil {
		return err
	}
	for _, url := range t.Trackers() {
		tr, err := tracker.New(url, tracker.WithLogger(log))
		if err != nil {
			fmt.Printf("%s: %v\n", url, err)
			continue
		}
		res, err := tr.Scrape(ctx, []metainfo.InfoHash{t.InfoHash})
		if err != nil {
			fmt.Printf("%s: %v\n", url, err)
			continue
		}
		r := res[t.InfoHash]
		fmt.Printf("%s: %d seeders, %d leechers, %d completed\n", url, r.Seeders, r.Leechers, r.Completed)
	}
	return nil
}

func handleMagnetParse(magnetLink string) error {
	m, err := metainfo.DeserializeMagnet(magnetLink)
	if err != nil {
		return err
	}
	fmt.Println(m)
	return nil
}

func handleDHTPeers(ctx context.Context, cfg config, log zerolog.Logger, hexHash string) error {
	ih, err := metainfo.ParseInfoHash(hexHash)
	if err != nil {
		return err
	}
	d, err := startDHT(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	peers, err := d.FindPeers(ctx, dht.NodeID(ih))
	if err != nil && len(peers) == 0 {
		return err
	}
	for _, p := range peers {
		fmt.Println(p)
	}
	return nil
}

func handleDownload(ctx context.Context, cfg config, log zerolog.Logger, items []string) error {
	policy, err := mse.ParsePolicy(cfg.encrypt)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return err
	}
	var d *dht.Server
	if !cfg.noDHT {
		var err error
		if d, err = startDHT(ctx, cfg, log); err != nil {
			log.Warn().Err(err).Msg("continuing without DHT")
		} else {
			defer d.Close()
		}
	}

	var local *lsd.Service
	if !cfg.noLSD {
		if conn, err := transport.ListenMulticast(lsd.DefaultGroup); err != nil {
			log.Warn().Err(err).Msg("continuing without local service discovery")
		} else {
			local = lsd.New(conn, lsd.DefaultGroup, lsd.WithLogger(log))
			go func() {
				if err := local.Serve(ctx); err != nil {
					log.Warn().Err(err).Msg("local service discovery stopped")
				}
			}()
			defer local.Close()
		}
	}

	m := downloader.NewManager(
		downloader.WithDataDir(cfg.dataDir),
		downloader.WithRateLimits(cfg.upRate, cfg.downRate),
		downloader.WithLogger(log),
		downloader.WithEncryption(policy),
		downloader.WithSwarmOptions(
			swarm.WithMaxConns(cfg.maxConns),
			swarm.WithListenPort(cfg.port),
			swarm.WithLogger(log)))
	defer m.Close()

	if l, err := transport.Listen(ctx, fmt.Sprintf(":%d", cfg.port)); err != nil {
		log.Warn().Err(err).Msg("not accepting incoming connections")
	} else {
		go func() {
			if err := m.Serve(ctx, l); err != nil {
				log.Error().Err(err).Msg("listener stopped")
			}
		}()
	}

	peerID := newPeerID()
	var ids []uuid.UUID
	for _, item := range items {
		id, err := addItem(m, item, peerID, discovery{dht: d, lsd: local}, log)
		if err != nil {
			return fmt.Errorf("%s: %w", item, err)
		}
		ids = append(ids, id)
	}

	waitCtx := ctx
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	go reportProgress(waitCtx, m, log)

	var errs []error
	for _, id := range ids {
		st, err := m.Wait(waitCtx, id)
		t, _ := m.Get(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Printf("Downloaded %s (%s)\n", t.Name(), humanize.Bytes(uint64(st.BytesDone)))
	}
	if len(errs) == 0 && cfg.keepSeeds {
		log.Info().Msg("seeding until interrupted")
		<-ctx.Done()
	}
	return errors.Join(errs...)
}

// discovery holds the process-wide peer feeders shared by every torrent. Either may
// be nil.
type discovery struct {
	dht *dht.Server
	lsd *lsd.Service
}

// sources returns the shared feeders a torrent may use. Private torrents get none.
func (d discovery) sources(private bool) []swarm.PeerSource {
	if private {
		return nil
	}
	var out []swarm.PeerSource
	if d.dht != nil {
		out = append(out, swarm.DHTSource{Server: d.dht})
	}
	if d.lsd != nil {
		out = append(out, swarm.LSDSource{Service: d.lsd})
	}
	return out
}

func addItem(m *downloader.Manager, item string, peerID [20]byte, disc discovery, log zerolog.Logger) (uuid.UUID, error) {
	switch {
	case strings.HasPrefix(item, "magnet:"):
		link, err := metainfo.DeserializeMagnet(item)
		if err != nil {
			return uuid.Nil, err
		}
		sources := append(swarm.TrackerSources(link.Trackers, log), disc.sources(false)...)
		return m.AddMagnet(link, swarm.Params{PeerID: peerID, Sources: sources, DHT: disc.dht})
	case strings.HasPrefix(item, "http://"), strings.HasPrefix(item, "https://"):
		return m.AddURL(item)
	}

	t, err := metainfo.DeserializeTorrent(item)
	if err != nil {
		return uuid.Nil, err
	}
	p := swarm.Params{
		PeerID:  peerID,
		Sources: append(swarm.TrackerSources(t.Trackers(), log), disc.sources(t.Info.Private)...),
	}
	if !t.Info.Private {
		p.DHT = disc.dht
	}
	return m.AddTorrent(t, p)
}

func reportProgress(ctx context.Context, m *downloader.Manager, log zerolog.Logger) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range m.List() {
				log.Info().Str("task", e.Name).Stringer("status", e.Status).Msg("progress")
			}
		}
	}
}

// startDHT opens the DHT node, restoring the routing table saved in the data
// directory, and bootstraps it.
func startDHT(ctx context.Context, cfg config, log zerolog.Logger) (*dht.Server, error) {
	conn, err := transport.ListenPacket(ctx, fmt.Sprintf(":%d", cfg.dhtPort))
	if err != nil {
		return nil, err
	}
	nodesFile := filepath.Join(cfg.dataDir, nodesFileName)
	id, nodes, err := dht.LoadNodes(nodesFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", nodesFile).Msg("ignoring saved routing table")
		}
		id, nodes = dht.RandomNodeID(), nil
	}

	d := dht.NewServer(conn, id, dht.WithNodesFile(nodesFile), dht.WithLogger(log))
	d.AddNodes(nodes)
	go d.Maintain(ctx)

	bctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	if err := d.Bootstrap(bctx, dht.DefaultBootstrapNodes); err != nil {
		log.Warn().Err(err).Msg("DHT bootstrap incomplete")
	}
	log.Info().Int("nodes", d.Table().Len()).Str("addr", d.Addr().String()).Msg("DHT ready")
	return d, nil
}

// newPeerID returns an Azureus-style id with a random suffix.
func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-LB0100-")
	u := uuid.New()
	copy(id[8:], u[:])
	return id
}
