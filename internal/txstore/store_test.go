package txstore_test

import (
	"testing"
	"time"

	"github.com/freshchain/freshchain/internal/txstore"
)

func newTx(hash string, kind txstore.Kind, timestamp string) *txstore.Transaction {
	return &txstore.Transaction{
		Kind:      kind,
		Payload:   map[string]any{"hash": hash},
		Timestamp: timestamp,
		Hash:      hash,
	}
}

func TestStore_putAndGet(t *testing.T) {
	s := txstore.New(0)
	tx := newTx("h1", txstore.KindSensorReading, txstore.Now())
	s.Put(tx)

	got, ok := s.Get("h1")
	if !ok {
		t.Fatal("stored transaction not found")
	}
	if got.Hash != "h1" || got.Kind != txstore.KindSensorReading {
		t.Errorf("got %+v", got)
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("lookup of absent hash succeeded")
	}
}

func TestStore_putIsIdempotentByHash(t *testing.T) {
	s := txstore.New(0)
	tx := newTx("h1", txstore.KindQualityCheck, txstore.Now())
	s.Put(tx)
	s.Put(tx)

	if s.Len() != 1 {
		t.Errorf("Len = %d after double insert, want 1", s.Len())
	}
}

func TestStore_queryOrdering(t *testing.T) {
	s := txstore.New(0)
	// Insert out of timestamp order, plus a tie that must keep insertion
	// order.
	s.Put(newTx("late", txstore.KindSensorReading, "2026-03-01T00:00:00.000000Z"))
	s.Put(newTx("early", txstore.KindSensorReading, "2026-01-01T00:00:00.000000Z"))
	s.Put(newTx("tie-first", txstore.KindSensorReading, "2026-02-01T00:00:00.000000Z"))
	s.Put(newTx("tie-second", txstore.KindSensorReading, "2026-02-01T00:00:00.000000Z"))

	got := s.Ordered()
	want := []string{"early", "tie-first", "tie-second", "late"}
	if len(got) != len(want) {
		t.Fatalf("got %d transactions, want %d", len(got), len(want))
	}
	for i, hash := range want {
		if got[i].Hash != hash {
			t.Errorf("position %d: got %q, want %q", i, got[i].Hash, hash)
		}
	}
}

func TestStore_insertionOrderIgnoresTimestamps(t *testing.T) {
	s := txstore.New(0)
	s.Put(newTx("first", txstore.KindSensorReading, "2026-03-01T00:00:00.000000Z"))
	s.Put(newTx("second", txstore.KindSensorReading, "2026-01-01T00:00:00.000000Z"))
	s.Put(newTx("third", txstore.KindSensorReading, "2026-02-01T00:00:00.000000Z"))

	// A backdated timestamp must not move an entry ahead of records
	// committed before it.
	got := s.OrderedByInsertion()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %d transactions, want %d", len(got), len(want))
	}
	for i, hash := range want {
		if got[i].Hash != hash {
			t.Errorf("position %d: got %q, want %q", i, got[i].Hash, hash)
		}
	}

	// Re-insertion moves the entry to the tip.
	s.Put(newTx("first", txstore.KindSensorReading, "2026-03-01T00:00:00.000000Z"))
	got = s.OrderedByInsertion()
	if got[len(got)-1].Hash != "first" {
		t.Errorf("re-inserted entry at position %d, want tip", len(got)-1)
	}
}

func TestStore_queryPredicate(t *testing.T) {
	s := txstore.New(0)
	s.Put(newTx("s1", txstore.KindSensorReading, txstore.Now()))
	s.Put(newTx("q1", txstore.KindQualityCheck, txstore.Now()))
	s.Put(newTx("s2", txstore.KindSensorReading, txstore.Now()))

	sensors := s.Query(func(tx *txstore.Transaction) bool {
		return tx.Kind == txstore.KindSensorReading
	})
	if len(sensors) != 2 {
		t.Fatalf("got %d sensor readings, want 2", len(sensors))
	}
	for _, tx := range sensors {
		if tx.Kind != txstore.KindSensorReading {
			t.Errorf("predicate let through %q", tx.Kind)
		}
	}
}

func TestStore_cleanupExpired(t *testing.T) {
	s := txstore.New(time.Hour)
	s.Put(newTx("h1", txstore.KindSensorReading, txstore.Now()))
	s.Put(newTx("h2", txstore.KindSensorReading, txstore.Now()))

	// Nothing has aged past the TTL yet.
	if n := s.CleanupExpired(time.Now()); n != 0 {
		t.Errorf("removed %d fresh entries", n)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	// Sweep as of a future instant past the TTL.
	if n := s.CleanupExpired(time.Now().Add(2 * time.Hour)); n != 2 {
		t.Errorf("removed %d entries, want 2", n)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", s.Len())
	}
}

func TestStore_getHidesExpired(t *testing.T) {
	s := txstore.New(5 * time.Millisecond)
	s.Put(newTx("h1", txstore.KindSensorReading, txstore.Now()))

	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Get("h1"); ok {
		t.Error("Get returned an entry past its TTL")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStore_zeroTTLNeverExpires(t *testing.T) {
	s := txstore.New(0)
	s.Put(newTx("h1", txstore.KindSensorReading, txstore.Now()))

	if n := s.CleanupExpired(time.Now().Add(1000 * time.Hour)); n != 0 {
		t.Errorf("removed %d entries with expiry disabled", n)
	}
	if _, ok := s.Get("h1"); !ok {
		t.Error("entry vanished with expiry disabled")
	}
}
