// Package ledger orchestrates the FreshChain event ledger: it turns domain
// events into signed, Merkle-anchored transactions, stores them locally or
// forwards them to a remote chain node, retries failed submissions in the
// background, and rotates signing keys on a schedule.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/cryptoengine"
	"github.com/freshchain/freshchain/internal/retryqueue"
	"github.com/freshchain/freshchain/internal/txarchive"
	"github.com/freshchain/freshchain/internal/txstore"
)

// Mode selects where transactions are submitted. The mode is fixed at
// construction; it is never inferred per call.
type Mode string

const (
	// ModeLocal keeps the authoritative copy in the in-memory store.
	ModeLocal Mode = "local"
	// ModeRemote forwards transactions to a remote chain node and keeps
	// only a TTL-bounded local cache for queries.
	ModeRemote Mode = "remote"
)

// ErrSubmission marks a remote chain that is unreachable or rejected the
// transaction. Submission errors are recoverable and routed to the retry
// queue.
var ErrSubmission = errors.New("transaction submission failed")

// ChainClient is the remote chain a ModeRemote service forwards to. A
// remote chain is simply an upstream FreshChain node.
type ChainClient interface {
	Submit(ctx context.Context, tx *txstore.Transaction) error
	Connected(ctx context.Context) bool
}

// Status is the submission outcome reported to callers. Callers must not
// assume synchronous durability: only StatusSubmitted means the transaction
// reached its destination.
type Status string

const (
	StatusSubmitted      Status = "submitted"
	StatusQueuedForRetry Status = "queued_for_retry"
	StatusBatched        Status = "batched"
)

// RecordResult is returned by every record operation. Hash identifies the
// transaction regardless of the path taken.
type RecordResult struct {
	Hash   string `json:"transaction_hash"`
	Status Status `json:"status"`
}

// Config holds the tunables of a Service.
type Config struct {
	Mode             Mode
	TTL              time.Duration
	BatchSize        int           // sensor batch threshold; <2 disables batching
	RetryInterval    time.Duration // retry worker wake interval
	RetryBatch       int           // max entries drained per retry pass
	RotationPeriod   time.Duration // key age that triggers rotation
	RotationCheck    time.Duration // rotation worker wake interval
	CleanupInterval  time.Duration // TTL sweep interval
	RemoteTimeout    time.Duration // per-call timeout for ChainClient.Submit
	EncryptionSecret string        // secret for sensitive-field encryption
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = 10
	}
	if c.RotationPeriod <= 0 {
		c.RotationPeriod = 7 * 24 * time.Hour
	}
	if c.RotationCheck <= 0 {
		c.RotationCheck = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 10 * time.Second
	}
}

// RecordOutcomeFunc is an optional callback for recording per-kind
// submission outcomes.
type RecordOutcomeFunc func(kind, outcome string)

// RotationRecordFunc is an optional callback invoked on each key rotation.
type RotationRecordFunc func()

// Service is the ledger orchestrator. All methods are safe for concurrent
// use.
type Service struct {
	cfg    Config
	engine *cryptoengine.Engine
	store  *txstore.Store
	queue  *retryqueue.Queue
	chain  ChainClient
	logger *zap.Logger

	// archive, when set, receives every committed transaction as a
	// hash-chained audit entry. Append failures are logged, never fatal.
	archive txarchive.Archive

	// encKey is derived once at startup and cached for the process
	// lifetime.
	encKey []byte

	// anchorMu serializes Merkle snapshot computation with store
	// insertion so concurrent records never anchor against a prefix
	// missing each other.
	anchorMu sync.Mutex

	batchMu sync.Mutex
	batch   []*txstore.Transaction

	totalEvents atomic.Uint64

	onRecord   RecordOutcomeFunc
	onRotation RotationRecordFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a Service. chain may be nil only in ModeLocal. sink receives
// transactions that exhaust their retries.
func New(cfg Config, engine *cryptoengine.Engine, chain ChainClient, sink retryqueue.DeadLetterSink, maxRetries int, logger *zap.Logger) (*Service, error) {
	cfg.applyDefaults()

	if cfg.Mode == ModeRemote && chain == nil {
		return nil, fmt.Errorf("remote mode requires a chain client")
	}

	s := &Service{
		cfg:    cfg,
		engine: engine,
		store:  txstore.New(cfg.TTL),
		queue:  retryqueue.New(maxRetries, cfg.RetryInterval, sink, logger),
		chain:  chain,
		logger: logger,
		stop:   make(chan struct{}),
	}

	if cfg.EncryptionSecret != "" {
		salt, err := cryptoengine.NewSalt()
		if err != nil {
			return nil, fmt.Errorf("derive encryption key: %w", err)
		}
		s.encKey = cryptoengine.DeriveKey(cfg.EncryptionSecret, salt)
	}

	return s, nil
}

// SetRecordOutcome configures the per-kind outcome metrics callback.
func (s *Service) SetRecordOutcome(fn RecordOutcomeFunc) { s.onRecord = fn }

// SetRotationRecord configures the key-rotation metrics callback.
func (s *Service) SetRotationRecord(fn RotationRecordFunc) { s.onRotation = fn }

// SetArchive configures the append-only audit archive.
func (s *Service) SetArchive(a txarchive.Archive) { s.archive = a }

// Store exposes the transaction store for query operations.
func (s *Service) Store() *txstore.Store { return s.store }

// Engine exposes the crypto engine, e.g. for public key export.
func (s *Service) Engine() *cryptoengine.Engine { return s.engine }

// IngestPrepared stores a transaction that was built and signed by a
// downstream node forwarding in remote mode. The hash is content-derived by
// the sender; this node re-anchors the record against its own store so
// verification here checks this node's prefix, not the sender's.
func (s *Service) IngestPrepared(tx *txstore.Transaction) error {
	if tx.Hash == "" || tx.Timestamp == "" || tx.Kind == "" {
		return fmt.Errorf("%w: incomplete transaction", ErrSubmission)
	}
	s.anchor(tx)
	s.archiveAppend(context.Background(), tx)
	s.totalEvents.Add(1)
	return nil
}

// anchor snapshots the Merkle root over the insertion-ordered store
// contents plus tx, sets it on tx, and inserts. The snapshot and the
// insertion happen under one lock: without it two in-flight records could
// each compute a prefix missing the other and fail verification forever.
// Insertion order (not timestamp order) is the Merkle sequence, so a
// record stamped earlier but committed later cannot rewrite the prefix of
// an already anchored transaction.
func (s *Service) anchor(tx *txstore.Transaction) {
	s.anchorMu.Lock()
	defer s.anchorMu.Unlock()

	chain := s.store.OrderedByInsertion()
	leaves := make([]string, 0, len(chain)+1)
	for _, t := range chain {
		if t.Hash == tx.Hash {
			// Re-insertion moves the entry to the chain tip.
			continue
		}
		leaves = append(leaves, t.Hash)
	}
	leaves = append(leaves, tx.Hash)

	tx.MerkleRoot = s.engine.MerkleRoot(leaves)
	s.store.Put(tx)
}

func (s *Service) archiveAppend(ctx context.Context, tx *txstore.Transaction) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Append(ctx, tx); err != nil {
		s.logger.Warn("archive append failed",
			zap.String("hash", tx.Hash),
			zap.Error(err),
		)
	}
}

func (s *Service) recordOutcome(kind txstore.Kind, outcome Status) {
	if s.onRecord != nil {
		s.onRecord(string(kind), string(outcome))
	}
}
