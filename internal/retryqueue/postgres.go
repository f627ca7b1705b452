package retryqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresSink persists permanent failures to PostgreSQL so they survive
// process restarts. It implements DeadLetterSink.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSink creates a PostgresSink backed by the given connection pool.
func NewPostgresSink(pool *pgxpool.Pool, logger *zap.Logger) *PostgresSink {
	return &PostgresSink{pool: pool, logger: logger}
}

// EnsureSchema creates the dead-letter table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_dead_letters (
			id              BIGSERIAL PRIMARY KEY,
			kind            TEXT        NOT NULL,
			tx_hash         TEXT        NOT NULL,
			payload         JSONB       NOT NULL,
			retry_count     INT         NOT NULL,
			last_error      TEXT        NOT NULL,
			first_failed_at TIMESTAMPTZ NOT NULL,
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create dead-letter table: %w", err)
	}
	return nil
}

// Record implements DeadLetterSink.
func (s *PostgresSink) Record(ctx context.Context, ft *FailedTransaction) error {
	payloadJSON, err := json.Marshal(ft.Payload)
	if err != nil {
		return fmt.Errorf("marshal dead-letter payload: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_dead_letters (kind, tx_hash, payload, retry_count, last_error, first_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(ft.Kind), ft.Hash, payloadJSON,
		ft.RetryCount, ft.LastError, ft.FirstFailedAt,
	); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	s.logger.Debug("dead letter recorded",
		zap.String("kind", string(ft.Kind)),
		zap.String("hash", ft.Hash),
	)
	return nil
}

// Find implements DeadLetterSink.
func (s *PostgresSink) Find(ctx context.Context, hash string) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_dead_letters WHERE tx_hash = $1)", hash,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("query dead letters: %w", err)
	}
	return found, nil
}
