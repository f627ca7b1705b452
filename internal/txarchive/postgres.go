package txarchive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/freshchain/freshchain/internal/txstore"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all ledger instances sharing the database.
const advisoryLockKey = int64(1_408_227_651)

// PostgresArchive persists the hash-chained transaction archive to a
// PostgreSQL database. It implements the Archive interface.
type PostgresArchive struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresArchive creates a PostgresArchive backed by the given pool.
func NewPostgresArchive(pool *pgxpool.Pool, logger *zap.Logger) *PostgresArchive {
	return &PostgresArchive{pool: pool, logger: logger}
}

// EnsureSchema creates the archive table if it does not exist and seeds the
// genesis entry into an empty chain.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_archive (
			idx         integer PRIMARY KEY,
			timestamp   timestamptz NOT NULL,
			tx_hash     text NOT NULL,
			kind        text NOT NULL,
			merkle_root text NOT NULL,
			data_hash   text NOT NULL,
			prev_hash   text NOT NULL,
			hash        text NOT NULL
		)`); err != nil {
		return fmt.Errorf("create ledger_archive: %w", err)
	}

	if _, err := a.pool.Exec(ctx, `
		INSERT INTO ledger_archive (idx, timestamp, tx_hash, kind, merkle_root, data_hash, prev_hash, hash)
		VALUES (0, now(), '', 'genesis', '', $1, $1, $1)
		ON CONFLICT (idx) DO NOTHING`, GenesisHash); err != nil {
		return fmt.Errorf("seed genesis entry: %w", err)
	}
	return nil
}

// Append implements Archive. It acquires a PostgreSQL advisory lock, reads
// the chain tail, computes the new entry hash, and inserts it, all within a
// single transaction.
func (a *PostgresArchive) Append(ctx context.Context, ltx *txstore.Transaction) (*Entry, error) {
	dataHash, err := txDataHash(ltx)
	if err != nil {
		return nil, err
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent appends with a transaction-scoped advisory lock.
	// The lock is released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM ledger_archive ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read archive tail: %w", err)
	}

	entry := &Entry{
		Index:      prevIdx + 1,
		Timestamp:  time.Now().UTC(),
		TxHash:     ltx.Hash,
		Kind:       string(ltx.Kind),
		MerkleRoot: ltx.MerkleRoot,
		DataHash:   dataHash,
		PrevHash:   prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_archive (idx, timestamp, tx_hash, kind, merkle_root, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Index, entry.Timestamp, entry.TxHash,
		entry.Kind, entry.MerkleRoot, entry.DataHash,
		entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert archive entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit archive tx: %w", err)
	}

	a.logger.Debug("archive entry appended",
		zap.Int("idx", entry.Index),
		zap.String("tx_hash", entry.TxHash),
		zap.String("kind", entry.Kind),
	)
	return entry, nil
}

// Get implements Archive.
func (a *PostgresArchive) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	if err := a.pool.QueryRow(ctx,
		`SELECT idx, timestamp, tx_hash, kind, merkle_root, data_hash, prev_hash, hash
		 FROM ledger_archive WHERE idx = $1`, index,
	).Scan(
		&entry.Index, &entry.Timestamp, &entry.TxHash,
		&entry.Kind, &entry.MerkleRoot, &entry.DataHash,
		&entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("get archive entry %d: %w", index, err)
	}
	return entry, nil
}

// Len implements Archive.
func (a *PostgresArchive) Len(ctx context.Context) (int, error) {
	var n int
	if err := a.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_archive").Scan(&n); err != nil {
		return 0, fmt.Errorf("count archive entries: %w", err)
	}
	return n, nil
}

// Verify implements Archive. It streams all rows ordered by idx and
// validates the hash chain. O(n) in archive length.
func (a *PostgresArchive) Verify(ctx context.Context) error {
	rows, err := a.pool.Query(ctx,
		`SELECT idx, timestamp, tx_hash, kind, merkle_root, data_hash, prev_hash, hash
		 FROM ledger_archive ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		if err := rows.Scan(
			&curr.Index, &curr.Timestamp, &curr.TxHash,
			&curr.Kind, &curr.MerkleRoot, &curr.DataHash,
			&curr.PrevHash, &curr.Hash,
		); err != nil {
			return fmt.Errorf("scan archive row: %w", err)
		}

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}

		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Archive.
func (a *PostgresArchive) Root(ctx context.Context) (string, error) {
	var hash string
	if err := a.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_archive ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get archive root: %w", err)
	}
	return hash, nil
}
