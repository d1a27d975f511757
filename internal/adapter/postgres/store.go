package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/GridForge/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// Store implements database.Store using PostgreSQL. Single-row state
// changes are conditional UPDATEs; multi-statement steps run in a
// transaction that is retried on serialization failures and deadlocks.
type Store struct {
	pool     *pgxpool.Pool
	maxTries uint
}

// NewStore creates a new Store backed by the given connection pool.
// maxRetries bounds how often a conflicting transaction is retried.
func NewStore(pool *pgxpool.Pool, maxRetries uint) *Store {
	return &Store{pool: pool, maxTries: maxRetries + 1}
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	return err
}

func isRetryable(err error) bool {
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}

// inTx runs fn in a transaction, retrying the whole unit on conflicts.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
