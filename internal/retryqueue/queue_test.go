package retryqueue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/retryqueue"
	"github.com/freshchain/freshchain/internal/txstore"
)

func newQueue(maxRetries int, baseDelay time.Duration) (*retryqueue.Queue, *retryqueue.MemorySink) {
	sink := retryqueue.NewMemorySink()
	return retryqueue.New(maxRetries, baseDelay, sink, zap.NewNop()), sink
}

func enqueueOne(q *retryqueue.Queue, hash string) {
	q.Enqueue(txstore.KindSensorReading, hash, map[string]any{"hash": hash}, errors.New("node unreachable"))
}

func TestQueue_drainIsFIFO(t *testing.T) {
	q, _ := newQueue(3, time.Second)
	enqueueOne(q, "h1")
	enqueueOne(q, "h2")
	enqueueOne(q, "h3")

	drained := q.DrainBatch(2)
	if len(drained) != 2 {
		t.Fatalf("drained %d, want 2", len(drained))
	}
	if drained[0].Hash != "h1" || drained[1].Hash != "h2" {
		t.Errorf("drain order: got %q, %q", drained[0].Hash, drained[1].Hash)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d after drain, want 1", q.Len())
	}
	if !q.Has("h3") {
		t.Error("remaining entry not reported by Has")
	}
}

func TestQueue_backoffGatesDraining(t *testing.T) {
	q, _ := newQueue(5, time.Hour)
	enqueueOne(q, "h1")

	ft := q.DrainBatch(1)[0]
	q.RequeueWithBackoff(context.Background(), ft, errors.New("still down"))

	if q.Len() != 1 {
		t.Fatalf("Len = %d after requeue, want 1", q.Len())
	}
	// The hour-long backoff has not elapsed, so the entry must stay put.
	if drained := q.DrainBatch(10); len(drained) != 0 {
		t.Errorf("drained %d entries still in backoff", len(drained))
	}
}

func TestQueue_backoffElapses(t *testing.T) {
	q, _ := newQueue(5, time.Millisecond)
	enqueueOne(q, "h1")

	ft := q.DrainBatch(1)[0]
	q.RequeueWithBackoff(context.Background(), ft, errors.New("still down"))

	time.Sleep(20 * time.Millisecond)

	drained := q.DrainBatch(1)
	if len(drained) != 1 {
		t.Fatalf("entry not drainable after backoff elapsed")
	}
	if drained[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", drained[0].RetryCount)
	}
	if drained[0].LastError != "still down" {
		t.Errorf("LastError = %q", drained[0].LastError)
	}
}

func TestQueue_exhaustionRoutesToDeadLetter(t *testing.T) {
	q, sink := newQueue(2, time.Millisecond)
	enqueueOne(q, "h1")

	ctx := context.Background()
	for attempt := 0; attempt < 2; attempt++ {
		time.Sleep(10 * time.Millisecond)
		drained := q.DrainBatch(1)
		if len(drained) != 1 {
			t.Fatalf("attempt %d: nothing to drain", attempt)
		}
		err := q.RequeueWithBackoff(ctx, drained[0], errors.New("still down"))
		if attempt == 0 && err != nil {
			t.Fatalf("first requeue: %v", err)
		}
		if attempt == 1 && !errors.Is(err, retryqueue.ErrRetryExhausted) {
			t.Errorf("final requeue error = %v, want ErrRetryExhausted", err)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Len = %d after exhaustion, want 0", q.Len())
	}
	found, err := sink.Find(ctx, "h1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !found {
		t.Error("exhausted entry missing from dead-letter sink")
	}
	all := sink.All()
	if len(all) != 1 {
		t.Fatalf("sink holds %d entries, want 1", len(all))
	}
	if all[0].RetryCount != 2 {
		t.Errorf("dead-lettered RetryCount = %d, want 2", all[0].RetryCount)
	}
}

func TestQueue_hasMissingHash(t *testing.T) {
	q, _ := newQueue(3, time.Second)
	if q.Has("absent") {
		t.Error("Has reported an absent hash")
	}
}
