package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leorafaelmb/bittorrent-client/internal/compact"
	"github.com/leorafaelmb/bittorrent-client/internal/metainfo"
)

// UDP tracker protocol constants.
const (
	protocolID = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	announcePacketSize = 98
	// Connection ids are valid for two minutes; refresh a little earlier.
	connectionIDLifetime = time.Minute
	maxPacketSize        = 2048
	maxScrapeHashes      = 74
)

// UDPClient speaks the connect/announce/scrape exchange with retransmission.
type UDPClient struct {
	host    string
	raw     string
	timeout time.Duration
	retries int
	log     zerolog.Logger

	mu       sync.Mutex
	connID   uint64
	connTime time.Time
}

func newUDPClient(u *url.URL, cfg Config) *UDPClient {
	return &UDPClient{
		host:    u.Host,
		raw:     u.String(),
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		log:     cfg.Logger.With().Str("tracker", u.String()).Logger(),
	}
}

func (c *UDPClient) URL() string { return c.raw }

func (c *UDPClient) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.host)
	if err != nil {
		return nil, fmt.Errorf("error dialing tracker %s: %w", c.host, err)
	}
	return conn, nil
}

// roundTrip sends packet until a response with the same transaction id arrives,
// doubling the wait after each silent attempt.
func (c *UDPClient) roundTrip(ctx context.Context, conn net.Conn, packet []byte, txn uint32) ([]byte, error) {
	buf := make([]byte, maxPacketSize)
	timeout := c.timeout
	for attempt := 0; attempt <= c.retries; attempt++ {
		if _, err := conn.Write(packet); err != nil {
			return nil, fmt.Errorf("error writing to tracker: %w", err)
		}
		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)

		for {
			n, err := conn.Read(buf)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("error reading from tracker: %w", err)
			}
			if n < 8 || binary.BigEndian.Uint32(buf[4:8]) != txn {
				continue
			}
			resp := append([]byte(nil), buf[:n]...)
			if binary.BigEndian.Uint32(resp[0:4]) == actionError {
				return nil, &FailureError{Tracker: c.raw, Reason: string(resp[8:])}
			}
			return resp, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		timeout *= 2
		c.log.Debug().Int("attempt", attempt+1).Msg("tracker did not answer, retrying")
	}
	return nil, fmt.Errorf("tracker %s did not respond after %d attempts", c.host, c.retries+1)
}

func (c *UDPClient) connectionID(ctx context.Context, conn net.Conn) (uint64, error) {
	c.mu.Lock()
	if !c.connTime.IsZero() && time.Since(c.connTime) < connectionIDLifetime {
		id := c.connID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	txn := rand.Uint32()
	packet := make([]byte, 16)
	binary.BigEndian.PutUint64(packet[0:8], protocolID)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txn)

	resp, err := c.roundTrip(ctx, conn, packet, txn)
	if err != nil {
		return 0, err
	}
	if len(resp) < 16 || binary.BigEndian.Uint32(resp[0:4]) != actionConnect {
		return 0, fmt.Errorf("malformed connect response")
	}
	id := binary.BigEndian.Uint64(resp[8:16])

	c.mu.Lock()
	c.connID = id
	c.connTime = time.Now()
	c.mu.Unlock()
	return id, nil
}

func (c *UDPClient) forgetConnection() {
	c.mu.Lock()
	c.connTime = time.Time{}
	c.mu.Unlock()
}

func (c *UDPClient) Announce(ctx context.Context, req Request) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := c.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}

	txn := rand.Uint32()
	packet := make([]byte, announcePacketSize)
	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], txn)
	copy(packet[16:36], req.InfoHash[:])
	copy(packet[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(packet[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(packet[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(packet[80:84], uint32(req.Event))
	// IP address 0: the tracker uses the packet source.
	binary.BigEndian.PutUint32(packet[88:92], req.Key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(packet[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(packet[96:98], uint16(req.Port))

	resp, err := c.roundTrip(ctx, conn, packet, txn)
	if err != nil {
		c.forgetConnection()
		return nil, err
	}
	if len(resp) < 20 || binary.BigEndian.Uint32(resp[0:4]) != actionAnnounce {
		return nil, fmt.Errorf("malformed announce response")
	}

	// Peers are IPv6 when we reached the tracker over IPv6.
	size := compact.PeerLenV4
	if ua, ok := conn.RemoteAddr().(*net.UDPAddr); ok && ua.IP.To4() == nil {
		size = compact.PeerLenV6
	}
	peers, err := compact.ParsePeers(resp[20:len(resp)-(len(resp)-20)%size], size)
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(resp[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(resp[16:20])),
		Peers:    peers,
	}, nil
}

func (c *UDPClient) Scrape(ctx context.Context, hashes []metainfo.InfoHash) (map[metainfo.InfoHash]ScrapeResult, error) {
	if len(hashes) > maxScrapeHashes {
		hashes = hashes[:maxScrapeHashes]
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := c.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}

	txn := rand.Uint32()
	packet := make([]byte, 16, 16+20*len(hashes))
	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionScrape)
	binary.BigEndian.PutUint32(packet[12:16], txn)
	for _, h := range hashes {
		packet = append(packet, h[:]...)
	}

	resp, err := c.roundTrip(ctx, conn, packet, txn)
	if err != nil {
		c.forgetConnection()
		return nil, err
	}
	if binary.BigEndian.Uint32(resp[0:4]) != actionScrape {
		return nil, fmt.Errorf("malformed scrape response")
	}
	results := make(map[metainfo.InfoHash]ScrapeResult, len(hashes))
	for i, h := range hashes {
		off := 8 + 12*i
		if off+12 > len(resp) {
			break
		}
		results[h] = ScrapeResult{
			Seeders:   int(binary.BigEndian.Uint32(resp[off : off+4])),
			Completed: int(binary.BigEndian.Uint32(resp[off+4 : off+8])),
			Leechers:  int(binary.BigEndian.Uint32(resp[off+8 : off+12])),
		}
	}
	return results, nil
}
