package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestRecord(id string, createdAt time.Time) *record {
	return &record{
		correlationID:      id,
		requesterSessionID: "sess-1",
		requesterIdentity:  "alice",
		payload:            json.RawMessage(`1`),
		createdAt:          createdAt,
		done:               make(chan Outcome, 1),
	}
}

func TestTableInsertRejectsDuplicate(t *testing.T) {
	mock := clock.NewMock()
	tbl := newTable(mock)

	if err := tbl.insert(newTestRecord("a", mock.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := tbl.insert(newTestRecord("a", mock.Now())); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate insert = %v, want ErrDuplicateID", err)
	}
	if got := tbl.len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}

func TestTableRemoveIsFetchAndDelete(t *testing.T) {
	mock := clock.NewMock()
	tbl := newTable(mock)
	rec := newTestRecord("a", mock.Now())
	if err := tbl.insert(rec); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, ok := tbl.remove("a")
	if !ok || got != rec {
		t.Fatalf("remove = (%v, %v), want the inserted record", got, ok)
	}
	if _, ok := tbl.remove("a"); ok {
		t.Fatal("second remove must miss")
	}
	if _, ok := tbl.get("a"); ok {
		t.Fatal("removed record still visible")
	}
}

func TestTableRemoveRaceHasOneWinner(t *testing.T) {
	mock := clock.NewMock()
	tbl := newTable(mock)
	if err := tbl.insert(newTestRecord("a", mock.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	const racers = 16
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			if _, ok := tbl.remove("a"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("remove winners = %d, want exactly 1", wins)
	}
}

func TestTableSweepOlderThan(t *testing.T) {
	mock := clock.NewMock()
	tbl := newTable(mock)

	old := newTestRecord("old", mock.Now())
	if err := tbl.insert(old); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	mock.Add(61 * time.Second)
	fresh := newTestRecord("fresh", mock.Now())
	if err := tbl.insert(fresh); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	swept := tbl.sweepOlderThan(60 * time.Second)
	if len(swept) != 1 || swept[0] != old {
		t.Fatalf("swept %d records, want just the stale one", len(swept))
	}
	if _, ok := tbl.get("old"); ok {
		t.Fatal("swept record still in table")
	}
	if _, ok := tbl.get("fresh"); !ok {
		t.Fatal("fresh record was swept")
	}
}

func TestRecordResolveIsIdempotent(t *testing.T) {
	rec := newTestRecord("a", time.Time{})
	rec.resolve(Outcome{CorrelationID: "a", Reply: json.RawMessage(`"first"`)})
	rec.resolve(Outcome{CorrelationID: "a", Err: ErrTimeout})

	out := <-rec.done
	if out.Err != nil || string(out.Reply) != `"first"` {
		t.Fatalf("outcome = %+v, want the first resolution", out)
	}
	select {
	case out := <-rec.done:
		t.Fatalf("second outcome observed: %+v", out)
	default:
	}
}

func TestTableDrain(t *testing.T) {
	mock := clock.NewMock()
	tbl := newTable(mock)
	for _, id := range []string{"a", "b", "c"} {
		if err := tbl.insert(newTestRecord(id, mock.Now())); err != nil {
			t.Fatalf("insert %s failed: %v", id, err)
		}
	}
	if got := len(tbl.drain()); got != 3 {
		t.Fatalf("drained %d, want 3", got)
	}
	if got := tbl.len(); got != 0 {
		t.Fatalf("len after drain = %d", got)
	}
}
