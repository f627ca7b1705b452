package cryptoengine

import "strings"

// MerkleRoot builds a binary Merkle tree bottom-up over an ordered sequence
// of transaction digests and returns the hex root digest. A level with an
// odd node count duplicates its last node to pair with itself. The empty
// input yields the empty digest "".
//
// Roots are memoized in a bounded LRU keyed by the joined leaf sequence, so
// recomputing the root over an unchanged set is a cache hit.
func (e *Engine) MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}

	key := strings.Join(leaves, "|")
	if root, ok := e.merkleCache.Get(key); ok {
		return root
	}

	root := merkleRoot(leaves)
	e.merkleCache.Add(key, root)
	return root
}

func merkleRoot(leaves []string) string {
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, sha3Hex([]byte(level[i]+level[i+1])))
		}
		level = next
	}
	return level[0]
}
