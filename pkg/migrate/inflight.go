package migrate

import (
	"sync"
	"time"

	"github.com/keyspacedb/keyspace/pkg/fabric"
)

// inflightEntry is one outstanding INSERT: the message handle (kept alive by
// the reference it was given when enrolled) and the last time it was put on
// the wire, per spec.md §3's "in-flight record entry".
type inflightEntry struct {
	msg        *fabric.Message
	lastXmitMs int64
}

// inflightTable is the per-emigration map of insert_id -> (message,
// last-xmit), the exclusive authority on whether an INSERT is outstanding
// (spec.md §3 invariant 4). It is touched by the emigration's own worker
// during streaming and retransmit, and by the ack dispatcher removing
// entries on INSERT_ACK — both paths take the table's lock.
type inflightTable struct {
	mu      sync.Mutex
	entries map[uint32]*inflightEntry
}

func newInflightTable() *inflightTable {
	return &inflightTable{entries: make(map[uint32]*inflightEntry)}
}

// Insert enrolls a freshly sent INSERT. The caller's reference on msg is
// transferred to the table; Remove hands it back to the caller to release.
func (t *inflightTable) Insert(insertID uint32, msg *fabric.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[insertID] = &inflightEntry{msg: msg, lastXmitMs: nowMs()}
}

// Remove drops the entry for insertID, returning its message so the caller
// can release the reference. ok is false if no such entry exists (already
// acked, or never sent under this emigration).
func (t *inflightTable) Remove(insertID uint32) (msg *fabric.Message, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[insertID]
	if !found {
		return nil, false
	}
	delete(t.entries, insertID)
	return e.msg, true
}

// Len returns the current in-flight count, used for back-pressure (spec.md
// §4.1's high/low water marks) and admin dump.
func (t *inflightTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// staleInsert is one entry due for retransmission.
type staleInsert struct {
	insertID uint32
	msg      *fabric.Message
}

// Stale returns every entry whose last transmission is older than retxMs,
// per spec.md §4.1's retransmit loop ("reduce over it and re-send any entry
// whose last-xmit is older than RETX_MS").
func (t *inflightTable) Stale(retxMs int64) []staleInsert {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := nowMs()
	var stale []staleInsert
	for id, e := range t.entries {
		if now-e.lastXmitMs >= retxMs {
			stale = append(stale, staleInsert{insertID: id, msg: e.msg})
		}
	}
	return stale
}

// Touch bumps the last-xmit timestamp for insertID after a successful
// retransmit. A no-op if the entry was concurrently acked.
func (t *inflightTable) Touch(insertID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[insertID]; ok {
		e.lastXmitMs = nowMs()
	}
}

// Drain removes and returns every remaining entry, used to release message
// references when an emigration aborts with entries still outstanding.
func (t *inflightTable) Drain() []*fabric.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := make([]*fabric.Message, 0, len(t.entries))
	for id, e := range t.entries {
		msgs = append(msgs, e.msg)
		delete(t.entries, id)
	}
	return msgs
}

func nowMs() int64 { return time.Now().UnixMilli() }
