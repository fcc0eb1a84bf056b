package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// record is one in-flight relay. It is created by Submit, mutated only by
// the three completion paths, and removed from the table on first
// resolution. The done channel is the completion handle: buffered size 1 so
// a resolver never blocks, and guarded by a CAS so resolution is
// structurally at-most-once even if arbitration were ever bypassed.
type record struct {
	correlationID      string
	requesterSessionID string
	requesterIdentity  string
	payload            json.RawMessage
	createdAt          time.Time

	done     chan Outcome
	resolved atomic.Bool
}

// resolve delivers the outcome at most once. Later calls are no-ops.
func (r *record) resolve(out Outcome) {
	if !r.resolved.CompareAndSwap(false, true) {
		return
	}
	r.done <- out
}

// table is the correlation table: a concurrent map of pending records keyed
// by correlation ID. remove is an atomic fetch-and-delete and is the
// arbitration point for the exactly-once guarantee: whichever completion
// path's remove wins performs the resolution; the losers observe a miss and
// do nothing.
type table struct {
	mu      sync.Mutex
	records map[string]*record
	clk     clock.Clock
}

func newTable(clk clock.Clock) *table {
	return &table{
		records: make(map[string]*record),
		clk:     clk,
	}
}

// insert adds a pending record. A colliding ID is rejected, not overwritten:
// unreachable given UUID generation, but checked rather than assumed.
func (t *table) insert(rec *record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[rec.correlationID]; exists {
		return ErrDuplicateID
	}
	t.records[rec.correlationID] = rec
	return nil
}

func (t *table) get(correlationID string) (*record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[correlationID]
	return rec, ok
}

// remove is the atomic fetch-and-delete all completion paths race on.
func (t *table) remove(correlationID string) (*record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[correlationID]
	if !ok {
		return nil, false
	}
	delete(t.records, correlationID)
	return rec, true
}

// sweepOlderThan removes and returns every record older than maxAge. The
// caller resolves the returned records; the table only arbitrates ownership.
func (t *table) sweepOlderThan(maxAge time.Duration) []*record {
	cutoff := t.clk.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	var swept []*record
	for id, rec := range t.records {
		if rec.createdAt.Before(cutoff) {
			delete(t.records, id)
			swept = append(swept, rec)
		}
	}
	return swept
}

// drain removes and returns every record. Used on shutdown.
func (t *table) drain() []*record {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*record, 0, len(t.records))
	for id, rec := range t.records {
		delete(t.records, id)
		all = append(all, rec)
	}
	return all
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
