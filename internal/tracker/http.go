package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/rs/zerolog"

	"github.com/leorafaelmb/bittorrent-client/internal/compact"
	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

const maxResponseSize = 1 << 20

// HTTPClient announces over HTTP GET with compact peer lists.
type HTTPClient struct {
	url    *url.URL
	client *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	trackerID string
}

func newHTTPClient(u *url.URL, cfg Config) *HTTPClient {
	return &HTTPClient{
		url:    u,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    cfg.Logger.With().Str("tracker", u.String()).Logger(),
	}
}

func (c *HTTPClient) URL() string { return c.url.String() }

// urlEncodeBytes percent-encodes every byte of a binary query value.
func urlEncodeBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, "%%%02x", c)
	}
	return sb.String()
}

// announceURL returns the full url of an announce request.
func (c *HTTPClient) announceURL(req Request) string {
	params := []string{
		"info_hash=" + urlEncodeBytes(req.InfoHash[:]),
		"peer_id=" + urlEncodeBytes(req.PeerID[:]),
		"port=" + strconv.Itoa(req.Port),
		"uploaded=" + strconv.FormatInt(req.Uploaded, 10),
		"downloaded=" + strconv.FormatInt(req.Downloaded, 10),
		"left=" + strconv.FormatInt(req.Left, 10),
		"compact=1",
	}
	if ev := req.Event.String(); ev != "" {
		params = append(params, "event="+ev)
	}
	if req.NumWant > 0 {
		params = append(params, "numwant="+strconv.Itoa(req.NumWant))
	}
	if req.Key != 0 {
		params = append(params, "key="+strconv.FormatUint(uint64(req.Key), 16))
	}
	c.mu.Lock()
	if c.trackerID != "" {
		params = append(params, "trackerid="+url.QueryEscape(c.trackerID))
	}
	c.mu.Unlock()
	return withQuery(c.url, params)
}

func withQuery(u *url.URL, params []string) string {
	sep := "?"
	if u.RawQuery != "" {
		sep = "&"
	}
	return u.String() + sep + strings.Join(params, "&")
}

func (c *HTTPClient) get(ctx context.Context, rawURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request to tracker server: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("error reading tracker response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker responded with status %d", resp.StatusCode)
	}

	decoded, err := jackpal.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error decoding tracker response: %w", err)
	}
	d, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker response is not a dictionary")
	}
	if reason, ok := d["failure reason"].(string); ok {
		return nil, &FailureError{Tracker: c.URL(), Reason: reason}
	}
	if warning, ok := d["warning message"].(string); ok {
		c.log.Warn().Str("warning", warning).Msg("tracker warning")
	}
	return d, nil
}

func (c *HTTPClient) Announce(ctx context.Context, req Request) (*Response, error) {
	d, err := c.get(ctx, c.announceURL(req))
	if err != nil {
		return nil, err
	}

	res := &Response{}
	interval, ok := d["interval"].(int64)
	if !ok || interval <= 0 {
		return nil, fmt.Errorf("tracker response has no interval")
	}
	res.Interval = time.Duration(interval) * time.Second
	if mi, ok := d["min interval"].(int64); ok && mi > 0 {
		res.MinInterval = time.Duration(mi) * time.Second
	}
	if n, ok := d["complete"].(int64); ok {
		res.Seeders = int(n)
	}
	if n, ok := d["incomplete"].(int64); ok {
		res.Leechers = int(n)
	}
	if id, ok := d["tracker id"].(string); ok {
		c.mu.Lock()
		c.trackerID = id
		c.mu.Unlock()
	}

	switch peers := d["peers"].(type) {
	case string:
		res.Peers, err = compact.ParsePeers([]byte(peers), compact.PeerLenV4)
		if err != nil {
			return nil, err
		}
	case []any:
		res.Peers = dictPeers(peers)
	}
	if peers6, ok := d["peers6"].(string); ok {
		p6, err := compact.ParsePeers([]byte(peers6), compact.PeerLenV6)
		if err != nil {
			return nil, err
		}
		res.Peers = append(res.Peers, p6...)
	}
	return res, nil
}

// dictPeers reads the non-compact list form; malformed entries are skipped.
func dictPeers(list []any) []netip.AddrPort {
	var peers []netip.AddrPort
	for _, item := range list {
		d, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ip, _ := d["ip"].(string)
		port, _ := d["port"].(int64)
		addr, err := netip.ParseAddr(ip)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		peers = append(peers, netip.AddrPortFrom(addr.Unmap(), uint16(port)))
	}
	return peers
}

// scrapeURL applies the announce-to-scrape convention to the last path element.
func (c *HTTPClient) scrapeURL() (*url.URL, error) {
	dir, last := path.Split(c.url.Path)
	if !strings.HasPrefix(last, "announce") {
		return nil, ErrScrapeUnsupported
	}
	u := *c.url
	u.Path = dir + "scrape" + strings.TrimPrefix(last, "announce")
	return &u, nil
}

func (c *HTTPClient) Scrape(ctx context.Context, hashes []metainfo.InfoHash) (map[metainfo.InfoHash]ScrapeResult, error) {
	u, err := c.scrapeURL()
	if err != nil {
		return nil, err
	}
	params := make([]string, len(hashes))
	for i, h := range hashes {
		params[i] = "info_hash=" + urlEncodeBytes(h[:])
	}
	d, err := c.get(ctx, withQuery(u, params))
	if err != nil {
		return nil, err
	}

	files, _ := d["files"].(map[string]any)
	results := make(map[metainfo.InfoHash]ScrapeResult, len(files))
	for key, v := range files {
		stats, ok := v.(map[string]any)
		if !ok || len(key) != 20 {
			continue
		}
		var ih metainfo.InfoHash
		copy(ih[:], key)
		complete, _ := stats["complete"].(int64)
		downloaded, _ := stats["downloaded"].(int64)
		incomplete, _ := stats["incomplete"].(int64)
		results[ih] = ScrapeResult{Seeders: int(complete), Completed: int(downloaded), Leechers: int(incomplete)}
	}
	return results, nil
}
