package retryqueue

import (
	"context"
	"sync"
)

// DeadLetterSink records transactions that exhausted their retries, for
// operator inspection.
type DeadLetterSink interface {
	Record(ctx context.Context, ft *FailedTransaction) error

	// Find reports whether a transaction hash has been recorded as a
	// permanent failure.
	Find(ctx context.Context, hash string) (bool, error)
}

// MemorySink is an in-process DeadLetterSink. It is the default when no
// database is configured, and the implementation tests exercise.
type MemorySink struct {
	mu    sync.Mutex
	items []*FailedTransaction
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements DeadLetterSink.
func (s *MemorySink) Record(_ context.Context, ft *FailedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, ft)
	return nil
}

// Find implements DeadLetterSink.
func (s *MemorySink) Find(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ft := range s.items {
		if ft.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

// All returns the recorded permanent failures in arrival order.
func (s *MemorySink) All() []*FailedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FailedTransaction, len(s.items))
	copy(out, s.items)
	return out
}
