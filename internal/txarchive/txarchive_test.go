package txarchive_test

import (
	"context"
	"testing"

	"github.com/freshchain/freshchain/internal/txarchive"
	"github.com/freshchain/freshchain/internal/txstore"
)

var ctx = context.Background()

func archiveTx(hash string, kind txstore.Kind) *txstore.Transaction {
	return &txstore.Transaction{
		Kind:       kind,
		Payload:    map[string]any{"hash": hash},
		Timestamp:  "2026-08-01T00:00:00.000000Z",
		Hash:       hash,
		MerkleRoot: "root-" + hash,
	}
}

func TestNew_genesisEntry(t *testing.T) {
	a := txarchive.New()

	n, err := a.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := a.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Kind != "genesis" {
		t.Errorf("expected kind 'genesis', got %q", entry.Kind)
	}
	if entry.Hash != txarchive.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	a := txarchive.New()

	e1, err := a.Append(ctx, archiveTx("h1", txstore.KindSensorReading))
	if err != nil {
		t.Fatal(err)
	}

	e2, err := a.Append(ctx, archiveTx("h2", txstore.KindQualityCheck))
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e1.TxHash != "h1" || e1.Kind != "sensor_reading" || e1.MerkleRoot != "root-h1" {
		t.Errorf("entry fields: %+v", e1)
	}

	n, err := a.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 { // genesis + 2
		t.Errorf("expected 3 entries, got %d", n)
	}
}

func TestVerify_valid(t *testing.T) {
	a := txarchive.New()
	_, _ = a.Append(ctx, archiveTx("h1", txstore.KindSensorReading))
	_, _ = a.Append(ctx, archiveTx("h2", txstore.KindShipmentCreation))

	if err := a.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	a := txarchive.New()
	e, _ := a.Append(ctx, archiveTx("h1", txstore.KindSensorReading))

	root, err := a.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

func TestVerify_genesisOnlyChain(t *testing.T) {
	a := txarchive.New()
	if err := a.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
}

func TestRoot_genesisOnly(t *testing.T) {
	a := txarchive.New()
	root, err := a.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != txarchive.GenesisHash {
		t.Errorf("Root() on genesis-only: got %q, want GenesisHash", root)
	}
}
