package dht

import (
	"context"
	"time"
)

// maxPingsPerSweep bounds the liveness pings one maintenance tick sends.
const maxPingsPerSweep = 16

// AddNodes seeds the table, typically from LoadNodes. The nodes are inserted as
// unverified; maintenance pings them.
func (s *Server) AddNodes(nodes []Node) {
	for _, n := range nodes {
		s.table.Insert(n)
	}
}

// Maintain runs periodic upkeep until ctx is done: expire announced peers, ping
// questionable nodes, refresh idle buckets and persist the table.
func (s *Server) Maintain(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()
	defer s.save()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	s.peers.Expire()

	s.limMu.Lock()
	clear(s.limiters)
	s.limMu.Unlock()

	now := time.Now()
	pinged := 0
	for _, n := range s.table.Questionable() {
		if pinged == maxPingsPerSweep {
			break
		}
		if now.Sub(n.LastQueried) < s.cfg.MaintenanceInterval {
			continue
		}
		s.goPing(n)
		pinged++
	}

	for _, target := range s.table.RefreshTargets(s.cfg.RefreshInterval) {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Lookup(ctx, target); err != nil {
			s.log.Debug().Err(err).Stringer("target", target).Msg("bucket refresh")
		}
	}
	s.save()
}

func (s *Server) save() {
	if s.cfg.NodesFile == "" {
		return
	}
	nodes := s.table.Nodes()
	if len(nodes) == 0 {
		return
	}
	if err := SaveNodes(s.cfg.NodesFile, s.table.Self(), nodes); err != nil {
		s.log.Warn().Err(err).Str("path", s.cfg.NodesFile).Msg("saving routing table")
	}
}
