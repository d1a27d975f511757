package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/GridForge/internal/domain/dispatch"
)

const dispatchColumns = `id, task_id, session_id, attempt, created_at, time_to_live, statuses, metadata`

func scanDispatch(row scannable) (dispatch.Dispatch, error) {
	var (
		d                  dispatch.Dispatch
		statuses, metadata []byte
	)
	if err := row.Scan(&d.ID, &d.TaskID, &d.SessionID, &d.Attempt, &d.CreatedAt, &d.TimeToLive, &statuses, &metadata); err != nil {
		return d, err
	}
	if err := json.Unmarshal(statuses, &d.Statuses); err != nil {
		return d, fmt.Errorf("unmarshal statuses: %w", err)
	}
	if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
		return d, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return d, nil
}

// UpsertDispatch serializes acquirers of one task on a transaction-scoped
// advisory lock, then inserts d only when no live lease exists.
func (s *Store) UpsertDispatch(ctx context.Context, d *dispatch.Dispatch, now time.Time) (string, error) {
	statuses, err := json.Marshal(orEmpty(d.Statuses))
	if err != nil {
		return "", fmt.Errorf("marshal statuses: %w", err)
	}
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	var holder string
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, d.TaskID); err != nil {
			return fmt.Errorf("lock task %s: %w", d.TaskID, err)
		}

		err := tx.QueryRow(ctx,
			`SELECT id FROM dispatches WHERE task_id = $1 AND time_to_live > $2 LIMIT 1`,
			d.TaskID, now).Scan(&holder)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("find live dispatch for %s: %w", d.TaskID, err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO dispatches (`+dispatchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			d.ID, d.TaskID, d.SessionID, d.Attempt, d.CreatedAt, d.TimeToLive, statuses, metadata)
		if err != nil {
			return conflictWrap(err, "upsert dispatch %s", d.ID)
		}
		holder = d.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return holder, nil
}

func (s *Store) InvalidateDispatches(ctx context.Context, taskID, keepID string, now time.Time, entry dispatch.StatusEntry) (int, int, error) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal status entry: %w", err)
	}

	var invalidated, previous int
	err = s.pool.QueryRow(ctx,
		`WITH prev AS (
			SELECT id, time_to_live > $3 AS live FROM dispatches
			 WHERE task_id = $1 AND id <> $2
			 FOR UPDATE
		 ), expired AS (
			UPDATE dispatches d
			   SET time_to_live = $3 - interval '1 microsecond',
			       statuses = d.statuses || jsonb_build_array($4::jsonb)
			  FROM prev
			 WHERE d.id = prev.id AND prev.live
			RETURNING d.id
		 )
		 SELECT (SELECT count(*) FROM expired), (SELECT count(*) FROM prev)`,
		taskID, keepID, now, entryJSON).Scan(&invalidated, &previous)
	if err != nil {
		return 0, 0, fmt.Errorf("invalidate dispatches for %s: %w", taskID, err)
	}
	return invalidated, previous, nil
}

func (s *Store) SetDispatchAttempt(ctx context.Context, id string, attempt int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE dispatches SET attempt = $2 WHERE id = $1`, id, attempt)
	return execExpectOne(tag, err, "set dispatch attempt %s", id)
}

func (s *Store) ExtendDispatch(ctx context.Context, id string, ttl, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatches SET time_to_live = $2 WHERE id = $1 AND time_to_live > $3`, id, ttl, now)
	return execExpectOne(tag, err, "extend dispatch %s", id)
}

func (s *Store) AddDispatchStatus(ctx context.Context, id string, entry dispatch.StatusEntry, now time.Time) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal status entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE dispatches SET statuses = statuses || jsonb_build_array($2::jsonb)
		 WHERE id = $1 AND time_to_live > $3`, id, entryJSON, now)
	return execExpectOne(tag, err, "add dispatch status %s", id)
}

func (s *Store) GetDispatch(ctx context.Context, id string) (*dispatch.Dispatch, error) {
	d, err := scanDispatch(s.pool.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get dispatch %s", id)
	}
	return &d, nil
}

func (s *Store) ListDispatches(ctx context.Context, taskID string) ([]dispatch.Dispatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []dispatch.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDispatchesForTask(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM dispatches WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete dispatches for %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) DeleteDispatch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dispatches WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete dispatch %s", id)
}
