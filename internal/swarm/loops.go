package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/leorafaelmb/bittorrent-client/internal/tracker"
)

const (
	dhtPingTimeout      = 10 * time.Second
	stopAnnounceTimeout = 5 * time.Second
	// unknownLeft is reported while the torrent size is unknown. Trackers treat a
	// zero left as a seed.
	unknownLeft = 1 << 30
	numWant     = 50
)

func (s *Session) connectLoop() {
	ticker := time.NewTicker(s.cfg.ConnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.connectPeers()
	}
}

func (s *Session) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep returns timed-out requests to the pool, re-requests metadata fragments and
// forgets old connection failures.
func (s *Session) sweep(now time.Time) {
	pieces := s.manager()
	conns := s.liveConns()
	for _, pc := range conns {
		expired := pc.ps.ExpireRequests(now)
		if len(expired) == 0 || pieces == nil {
			continue
		}
		s.log.Debug().Str("peer", pc.key).Int("requests", len(expired)).Msg("requests timed out")
		pieces.Release(pc.key, toBlocks(expired))
	}
	if pieces != nil {
		pieces.Expire(now)
	}
	for _, pc := range conns {
		s.update(pc, pc.ps)
	}
	s.fetchMetadata()

	s.mu.Lock()
	for ap, t := range s.failed {
		if !t.IsZero() && now.Sub(t) >= s.cfg.FailedBackoff {
			delete(s.failed, ap)
		}
	}
	s.mu.Unlock()
}

func (s *Session) announceRequest(event tracker.Event) tracker.Request {
	st := s.Stats()
	left := int64(unknownLeft)
	if st.BytesTotal > 0 {
		left = st.BytesTotal - st.BytesDone
	}
	return tracker.Request{
		InfoHash:   s.infoHash,
		PeerID:     s.p.PeerID,
		Port:       s.cfg.ListenPort,
		Uploaded:   st.Uploaded,
		Downloaded: st.Downloaded,
		Left:       left,
		Event:      event,
		NumWant:    numWant,
		Key:        s.key,
	}
}

// announceLoop re-announces to src at the interval it asks for, and once more when
// the download completes.
func (s *Session) announceLoop(src PeerSource) {
	event := tracker.EventStarted
	completed := s.completed
	if s.State() == Seeding {
		completed = nil
	}
	for {
		peers, interval, err := src.Announce(s.ctx, s.announceRequest(event))
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Debug().Err(err).Stringer("source", src).Msg("announce failed")
			interval = s.cfg.AnnounceRetry
		} else {
			event = tracker.EventNone
			s.addPeers(peers, src.String())
			if interval <= 0 {
				interval = s.cfg.AnnounceInterval
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-completed:
			timer.Stop()
			completed = nil
			event = tracker.EventCompleted
		}
	}
}

// announceStopped tells every source we are leaving, without waiting long.
func (s *Session) announceStopped() {
	req := s.announceRequest(tracker.EventStopped)
	ctx, cancel := context.WithTimeout(context.Background(), stopAnnounceTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, src := range s.p.Sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := src.Announce(ctx, req); err != nil {
				s.log.Debug().Err(err).Stringer("source", src).Msg("stop announce failed")
			}
		}()
	}
	wg.Wait()
}
