package cryptoengine_test

import (
	"testing"
)

func TestMerkleRoot_emptyInput(t *testing.T) {
	e := testEngine(t)
	if root := e.MerkleRoot(nil); root != "" {
		t.Errorf("empty input: expected empty digest, got %q", root)
	}
}

func TestMerkleRoot_stable(t *testing.T) {
	e := testEngine(t)
	leaves := []string{"a", "b", "c"}

	r1 := e.MerkleRoot(leaves)
	r2 := e.MerkleRoot([]string{"a", "b", "c"})
	if r1 != r2 {
		t.Errorf("root not stable: %q vs %q", r1, r2)
	}
	if r1 == "" {
		t.Error("non-empty input produced empty root")
	}
}

func TestMerkleRoot_orderSensitive(t *testing.T) {
	e := testEngine(t)
	if e.MerkleRoot([]string{"a", "b", "c"}) == e.MerkleRoot([]string{"c", "b", "a"}) {
		t.Error("reordering leaves did not change the root")
	}
}

func TestMerkleRoot_appendChangesRoot(t *testing.T) {
	e := testEngine(t)
	if e.MerkleRoot([]string{"a", "b"}) == e.MerkleRoot([]string{"a", "b", "c"}) {
		t.Error("appending a leaf did not change the root")
	}
}

func TestMerkleRoot_oddNodeDuplication(t *testing.T) {
	e := testEngine(t)
	// With an odd count the last node pairs with itself, so [a,b,c] and
	// [a,b,c,c] collapse to the same tree.
	if e.MerkleRoot([]string{"a", "b", "c"}) != e.MerkleRoot([]string{"a", "b", "c", "c"}) {
		t.Error("odd leaf was not duplicated to pair with itself")
	}
}

func TestMerkleRoot_singleLeaf(t *testing.T) {
	e := testEngine(t)
	if e.MerkleRoot([]string{"a"}) != "a" {
		t.Error("single leaf should be its own root")
	}
}
