package swarm

import (
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/anacrolix/multiless"
	"github.com/samber/lo"
)

type chokeCandidate struct {
	key        string
	rate       int64
	interested bool
	unchoked   bool
}

// unchokeSet returns the peers to unchoke: the slots fastest interested peers plus the
// optimistic one. Rate ties keep currently unchoked peers so that slots do not flap.
func unchokeSet(cands []chokeCandidate, slots int, optimistic string) map[string]bool {
	interested := lo.Filter(cands, func(c chokeCandidate, _ int) bool { return c.interested })
	slices.SortFunc(interested, func(a, b chokeCandidate) int { return strings.Compare(a.key, b.key) })
	slices.SortStableFunc(interested, func(a, b chokeCandidate) int {
		less, ok := multiless.New().
			Int64(b.rate, a.rate).
			Bool(b.unchoked, a.unchoked).
			LessOk()
		switch {
		case !ok:
			return 0
		case less:
			return -1
		}
		return 1
	})

	set := make(map[string]bool, slots+1)
	for _, c := range interested[:min(slots, len(interested))] {
		set[c.key] = true
	}
	if slices.ContainsFunc(interested, func(c chokeCandidate) bool { return c.key == optimistic }) {
		set[optimistic] = true
	}
	return set
}

// pickOptimistic chooses a random interested peer outside the regular slots.
func pickOptimistic(cands []chokeCandidate, slots int, intn func(int) int) string {
	regular := unchokeSet(cands, slots, "")
	pool := lo.Filter(cands, func(c chokeCandidate, _ int) bool {
		return c.interested && !regular[c.key]
	})
	if len(pool) == 0 {
		return ""
	}
	return pool[intn(len(pool))].key
}

func (s *Session) nudgeChoke() {
	select {
	case s.chokeNudge <- struct{}{}:
	default:
	}
}

func (s *Session) chokeLoop() {
	ticker := time.NewTicker(s.cfg.ChokeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.rechoke(true)
		case <-s.chokeNudge:
			s.rechoke(false)
		}
	}
}

// rechoke recomputes which peers we upload to. A new round samples transfer rates
// and may rotate the optimistic unchoke; a nudge only fills free slots.
func (s *Session) rechoke(newRound bool) {
	conns := s.liveConns()
	seeding := s.State() == Seeding
	cands := make([]chokeCandidate, 0, len(conns))
	for _, pc := range conns {
		ps := pc.ps
		if newRound {
			up, down := ps.Uploaded(), ps.Downloaded()
			if seeding {
				pc.rate = up - pc.lastUp
			} else {
				pc.rate = down - pc.lastDown
			}
			pc.lastUp, pc.lastDown = up, down
		}
		cands = append(cands, chokeCandidate{
			key:        pc.key,
			rate:       pc.rate,
			interested: ps.PeerInterested(),
			unchoked:   !ps.AmChoking(),
		})
	}

	if newRound {
		s.rounds++
	}
	rotate := newRound && s.rounds%max(s.cfg.OptimisticEvery, 1) == 1
	if rotate || !slices.ContainsFunc(cands, func(c chokeCandidate) bool { return c.key == s.optimistic && c.interested }) {
		s.optimistic = pickOptimistic(cands, s.cfg.UploadSlots, rand.IntN)
	}

	set := unchokeSet(cands, s.cfg.UploadSlots, s.optimistic)
	for _, pc := range conns {
		if set[pc.key] {
			if pc.ps.AmChoking() {
				s.log.Debug().Str("peer", pc.key).Bool("optimistic", pc.key == s.optimistic).Msg("unchoking")
			}
			pc.ps.Unchoke()
		} else {
			pc.ps.Choke()
		}
	}
}
