package dht

import (
	"encoding/binary"
	"net/netip"
	"sync"
)

type txnKey struct {
	addr netip.AddrPort
	id   string
}

// transaction is one outstanding query. The response is delivered on ch, which has
// room for exactly one message.
type transaction struct {
	query string
	node  NodeID
	ch    chan *Msg
}

// transactions correlates responses to outstanding queries by (remote address,
// transaction id). At most one transaction is pending per pair.
type transactions struct {
	mu      sync.Mutex
	next    uint16
	pending map[txnKey]*transaction
}

func newTransactions() *transactions {
	return &transactions{pending: make(map[txnKey]*transaction)}
}

// add allocates a transaction id unused for addr and registers the transaction.
func (ts *transactions) add(addr netip.AddrPort, query string, node NodeID) (string, *transaction) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var id string
	for {
		ts.next++
		id = string(binary.BigEndian.AppendUint16(nil, ts.next))
		if _, busy := ts.pending[txnKey{addr, id}]; !busy {
			break
		}
	}
	tx := &transaction{query: query, node: node, ch: make(chan *Msg, 1)}
	ts.pending[txnKey{addr, id}] = tx
	return id, tx
}

// deliver hands m to the matching transaction and removes it. It returns false for
// unmatched or duplicate responses.
func (ts *transactions) deliver(addr netip.AddrPort, m *Msg) bool {
	ts.mu.Lock()
	key := txnKey{addr, m.T}
	tx, ok := ts.pending[key]
	if ok {
		delete(ts.pending, key)
	}
	ts.mu.Unlock()

	if !ok {
		return false
	}
	tx.ch <- m
	return true
}

// remove drops a transaction after timeout or cancellation.
func (ts *transactions) remove(addr netip.AddrPort, id string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.pending, txnKey{addr, id})
}

func (ts *transactions) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.pending)
}
