package dht

import (
	"slices"
	"sync"
	"time"

	"github.com/anacrolix/multiless"
)

// bucket holds up to k nodes, least recently seen first, plus a bounded replacement
// cache of nodes that did not fit.
type bucket struct {
	nodes   []*Node
	repl    []*Node
	changed time.Time
}

func (b *bucket) index(id NodeID) int {
	return slices.IndexFunc(b.nodes, func(n *Node) bool { return n.ID == id })
}

func (b *bucket) remove(i int) {
	b.nodes = slices.Delete(b.nodes, i, i+1)
}

// addReplacement appends to the replacement cache, dropping the oldest entry when full.
func (b *bucket) addReplacement(n *Node, max int) {
	if i := slices.IndexFunc(b.repl, func(r *Node) bool { return r.ID == n.ID }); i >= 0 {
		b.repl = slices.Delete(b.repl, i, i+1)
	}
	if len(b.repl) >= max {
		b.repl = slices.Delete(b.repl, 0, 1)
	}
	b.repl = append(b.repl, n)
}

// promote moves the most recent replacement into the bucket.
func (b *bucket) promote() {
	if len(b.repl) == 0 {
		return
	}
	n := b.repl[len(b.repl)-1]
	b.repl = b.repl[:len(b.repl)-1]
	b.nodes = append(b.nodes, n)
}

// Table is the routing table. Bucket i < len-1 holds nodes sharing exactly i leading
// bits with the local id, i.e. XOR distances in [2^(159-i), 2^(160-i)). The last bucket
// holds everything closer and is the only one that splits.
type Table struct {
	self        NodeID
	k           int
	maxFailures int
	now         func() time.Time

	mu      sync.Mutex
	buckets []*bucket
}

// NewTable returns an empty table for self with bucket capacity k.
func NewTable(self NodeID, k, maxFailures int) *Table {
	return &Table{
		self:        self,
		k:           k,
		maxFailures: maxFailures,
		now:         time.Now,
		buckets:     []*bucket{{changed: time.Now()}},
	}
}

// Self is the local node id.
func (t *Table) Self() NodeID {
	return t.self
}

func (t *Table) bucketIndex(id NodeID) int {
	return min(t.self.CommonPrefixLen(id), len(t.buckets)-1)
}

// BucketFor returns the index of the bucket whose range covers id.
func (t *Table) BucketFor(id NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucketIndex(id)
}

// NumBuckets returns the current number of buckets.
func (t *Table) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Insert records a node learned from the network. A node already present is left
// untouched. When the node's bucket is full and cannot split, a stale node is replaced;
// failing that the newcomer goes to the replacement cache and, if the least recently
// seen node is questionable, a copy of it is returned so the caller can ping it
// outside the table lock.
func (t *Table) Insert(n Node) (ping *Node, added bool) {
	if n.ID == t.self || !n.Addr.IsValid() || n.Addr.Port() == 0 {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for {
		idx := t.bucketIndex(n.ID)
		b := t.buckets[idx]
		if i := b.index(n.ID); i >= 0 {
			return nil, false
		}
		if len(b.nodes) < t.k {
			b.nodes = append(b.nodes, &n)
			b.changed = now
			return nil, true
		}
		if idx == len(t.buckets)-1 && len(t.buckets) < IDLength*8 {
			t.split()
			continue
		}
		if i := slices.IndexFunc(b.nodes, func(x *Node) bool { return x.Stale(t.maxFailures) }); i >= 0 {
			b.remove(i)
			b.nodes = append(b.nodes, &n)
			b.changed = now
			return nil, true
		}
		b.addReplacement(&n, t.k)
		if lru := b.nodes[0]; !lru.Good(now) {
			c := *lru
			return &c, false
		}
		return nil, false
	}
}

// split divides the last bucket: nodes sharing more than its depth with the local id
// move to a new last bucket.
func (t *Table) split() {
	depth := len(t.buckets) - 1
	old := t.buckets[depth]
	next := &bucket{changed: old.changed}

	keep := func(list []*Node) (stay, move []*Node) {
		for _, n := range list {
			if t.self.CommonPrefixLen(n.ID) > depth {
				move = append(move, n)
			} else {
				stay = append(stay, n)
			}
		}
		return stay, move
	}
	old.nodes, next.nodes = keep(old.nodes)
	old.repl, next.repl = keep(old.repl)
	t.buckets = append(t.buckets, next)
}

func (t *Table) find(id NodeID) (*bucket, int) {
	b := t.buckets[t.bucketIndex(id)]
	return b, b.index(id)
}

// Seen marks a node as having answered: it becomes most recently seen and its
// failure count resets.
func (t *Table) Seen(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, i := t.find(id)
	if i < 0 {
		return false
	}
	n := b.nodes[i]
	n.LastSeen = t.now()
	n.Responses++
	n.FailedPings = 0
	b.remove(i)
	b.nodes = append(b.nodes, n)
	b.changed = n.LastSeen
	return true
}

// Queried records an outgoing query to id.
func (t *Table) Queried(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, i := t.find(id); i >= 0 {
		b.nodes[i].LastQueried = t.now()
		b.nodes[i].Queries++
	}
}

// Failed records a missed response. A node that becomes stale is evicted if the
// bucket has a replacement waiting.
func (t *Table) Failed(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, i := t.find(id)
	if i < 0 {
		return
	}
	n := b.nodes[i]
	n.FailedPings++
	if n.Stale(t.maxFailures) && len(b.repl) > 0 {
		b.remove(i)
		b.promote()
	}
}

// Remove drops a node and promotes a replacement into its slot.
func (t *Table) Remove(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, i := t.find(id); i >= 0 {
		b.remove(i)
		b.promote()
	}
}

// Get returns a copy of the node with id.
func (t *Table) Get(id NodeID) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, i := t.find(id)
	if i < 0 {
		return Node{}, false
	}
	return *b.nodes[i], true
}

// Len is the number of nodes in all buckets, replacements excluded.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, b := range t.buckets {
		n += len(b.nodes)
	}
	return n
}

// Nodes returns copies of every node.
func (t *Table) Nodes() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var nodes []Node
	for _, b := range t.buckets {
		for _, n := range b.nodes {
			nodes = append(nodes, *n)
		}
	}
	return nodes
}

// Closest returns up to count nodes ordered by XOR distance to target. Stale nodes sort
// after live ones regardless of distance. The result is never nil.
func (t *Table) Closest(target NodeID, count int) []Node {
	nodes := t.Nodes()
	slices.SortFunc(nodes, func(a, b Node) int {
		less, ok := multiless.New().
			Bool(a.Stale(t.maxFailures), b.Stale(t.maxFailures)).
			Cmp(CompareDistance(target, a.ID, b.ID)).
			LessOk()
		switch {
		case !ok:
			return 0
		case less:
			return -1
		}
		return 1
	})
	if len(nodes) > count {
		nodes = nodes[:count]
	}
	if nodes == nil {
		nodes = []Node{}
	}
	return nodes
}

// Questionable returns nodes that have not answered recently, for pinging.
func (t *Table) Questionable() []Node {
	now := t.now()
	var out []Node
	for _, n := range t.Nodes() {
		if !n.Good(now) {
			out = append(out, n)
		}
	}
	return out
}

// RefreshTargets returns a random id inside each bucket that has not changed within
// age, for refresh lookups.
func (t *Table) RefreshTargets(age time.Duration) []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var targets []NodeID
	for i, b := range t.buckets {
		if now.Sub(b.changed) < age {
			continue
		}
		targets = append(targets, randomIDWithPrefix(t.self, i))
	}
	return targets
}
