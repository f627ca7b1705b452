// Package retryqueue holds transactions that failed submission until a
// background worker retries them. Retries are bounded; entries that exhaust
// their attempts are routed to a permanent-failure sink, never silently
// dropped.
package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/txstore"
)

// ErrRetryExhausted marks an entry that used up its retry budget and was
// routed to the permanent-failure sink.
var ErrRetryExhausted = errors.New("transaction retries exhausted")

// FailedTransaction is one submission failure awaiting retry.
type FailedTransaction struct {
	Kind          txstore.Kind   `json:"kind"`
	Payload       map[string]any `json:"payload"`
	Hash          string         `json:"hash"`
	RetryCount    int            `json:"retry_count"`
	LastError     string         `json:"last_error"`
	FirstFailedAt time.Time      `json:"first_failed_at"`

	// nextAttempt gates draining: an entry is not eligible again until its
	// backoff delay has elapsed.
	nextAttempt time.Time
}

// Queue is a thread-safe FIFO of failed transactions with bounded retries
// and exponential backoff.
type Queue struct {
	mu         sync.Mutex
	items      []*FailedTransaction
	maxRetries int
	baseDelay  time.Duration
	sink       DeadLetterSink
	logger     *zap.Logger
}

// New creates a Queue. Entries exceeding maxRetries attempts are recorded
// in sink. baseDelay is the first backoff step; each retry doubles it.
func New(maxRetries int, baseDelay time.Duration, sink DeadLetterSink, logger *zap.Logger) *Queue {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 5 * time.Second
	}
	return &Queue{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		sink:       sink,
		logger:     logger,
	}
}

// Enqueue wraps a failed submission as a FailedTransaction with a zero
// retry count.
func (q *Queue) Enqueue(kind txstore.Kind, hash string, payload map[string]any, cause error) {
	ft := &FailedTransaction{
		Kind:          kind,
		Payload:       payload,
		Hash:          hash,
		LastError:     cause.Error(),
		FirstFailedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.items = append(q.items, ft)
	q.mu.Unlock()

	q.logger.Warn("transaction queued for retry",
		zap.String("kind", string(kind)),
		zap.String("hash", ft.Hash),
		zap.Error(cause),
	)
}

// DrainBatch removes and returns up to max entries whose backoff delay has
// elapsed, in FIFO order.
func (q *Queue) DrainBatch(max int) []*FailedTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var drained []*FailedTransaction
	var kept []*FailedTransaction
	for _, ft := range q.items {
		if len(drained) < max && !now.Before(ft.nextAttempt) {
			drained = append(drained, ft)
			continue
		}
		kept = append(kept, ft)
	}
	q.items = kept
	return drained
}

// RequeueWithBackoff increments the entry's retry count and either puts it
// back with a doubled backoff delay or, once maxRetries is reached, records
// it in the permanent-failure sink and returns ErrRetryExhausted.
func (q *Queue) RequeueWithBackoff(ctx context.Context, ft *FailedTransaction, cause error) error {
	ft.RetryCount++
	ft.LastError = cause.Error()

	if ft.RetryCount >= q.maxRetries {
		if err := q.sink.Record(ctx, ft); err != nil {
			q.logger.Error("dead-letter sink write failed",
				zap.String("hash", ft.Hash),
				zap.Error(err),
			)
		}
		q.logger.Error("transaction retries exhausted",
			zap.String("kind", string(ft.Kind)),
			zap.String("hash", ft.Hash),
			zap.Int("retries", ft.RetryCount),
			zap.String("last_error", ft.LastError),
		)
		return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, ft.RetryCount, cause)
	}

	ft.nextAttempt = time.Now().Add(q.baseDelay << uint(ft.RetryCount-1))

	q.mu.Lock()
	q.items = append(q.items, ft)
	q.mu.Unlock()
	return nil
}

// Len returns the number of queued entries, including those still in
// backoff.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Has reports whether a transaction with the given hash is queued.
func (q *Queue) Has(hash string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ft := range q.items {
		if ft.Hash == hash {
			return true
		}
	}
	return false
}

// Sink returns the permanent-failure sink the queue routes exhausted
// entries to.
func (q *Queue) Sink() DeadLetterSink {
	return q.sink
}
