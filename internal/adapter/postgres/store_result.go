package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/domain/result"
)

const resultColumns = `id, session_id, name, owner_task_id, status, object_id, created_at, completed_at`

func scanResult(row scannable) (result.Result, error) {
	var (
		r         result.Result
		status    string
		completed *time.Time
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.Name, &r.OwnerTaskID, &status, &r.ObjectID, &r.CreatedAt, &completed); err != nil {
		return r, err
	}
	st, err := result.ParseStatus(status)
	if err != nil {
		return r, fmt.Errorf("result %s: %w", r.ID, domain.ErrProtocol)
	}
	r.Status = st
	r.CompletedAt = timeOrZero(completed)
	return r, nil
}

func (s *Store) CreateResults(ctx context.Context, results []result.Result) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range results {
		r := &results[i]
		batch.Queue(
			`INSERT INTO results (`+resultColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (session_id, id) DO NOTHING`,
			r.ID, r.SessionID, r.Name, r.OwnerTaskID, string(r.Status), r.ObjectID, r.CreatedAt, nullTime(r.CompletedAt))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create results: %w", err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, sessionID, id string) (*result.Result, error) {
	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM results WHERE session_id = $1 AND id = $2`, sessionID, id))
	if err != nil {
		return nil, notFoundWrap(err, "get result %s", id)
	}
	return &r, nil
}

func (s *Store) ListResults(ctx context.Context, filter result.Filter) ([]result.Result, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.Name != "" {
		add("name = $%d", filter.Name)
	}
	if filter.OwnerTaskID != "" {
		add("owner_task_id = $%d", filter.OwnerTaskID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at > $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at < $%d", filter.CreatedBefore)
	}

	query := `SELECT ` + resultColumns + ` FROM results`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []result.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompleteResults updates every listed row in one statement and rolls back
// unless all of them matched.
func (s *Store) CompleteResults(ctx context.Context, sessionID, ownerTaskID string, objectIDs map[string]string, now time.Time) error {
	if len(objectIDs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(objectIDs))
	keys := make([]string, 0, len(objectIDs))
	for id, key := range objectIDs {
		ids = append(ids, id)
		keys = append(keys, key)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE results AS r SET status = $5, object_id = v.object_id, completed_at = $6
			 FROM unnest($3::text[], $4::text[]) AS v(id, object_id)
			 WHERE r.session_id = $1 AND r.owner_task_id = $2 AND r.id = v.id AND r.status = $7`,
			sessionID, ownerTaskID, pgTextArray(ids), pgTextArray(keys),
			string(result.StatusCompleted), now, string(result.StatusCreated))
		if err != nil {
			return fmt.Errorf("complete results of %s: %w", ownerTaskID, err)
		}
		if n := tag.RowsAffected(); n != int64(len(ids)) {
			return fmt.Errorf("complete results of %s: %d of %d matched: %w", ownerTaskID, n, len(ids), domain.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) ChangeResultOwnership(ctx context.Context, sessionID string, ids []string, oldOwner, newOwner string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE results SET owner_task_id = $4
		 WHERE session_id = $1 AND id = ANY($2) AND owner_task_id = $3 AND status = $5`,
		sessionID, pgTextArray(ids), oldOwner, newOwner, string(result.StatusCreated))
	if err != nil {
		return 0, fmt.Errorf("change result ownership: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) AbortTaskResults(ctx context.Context, sessionID, ownerTaskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE results SET status = $3
		 WHERE session_id = $1 AND owner_task_id = $2 AND status = $4
		 RETURNING id`,
		sessionID, ownerTaskID, string(result.StatusAborted), string(result.StatusCreated))
	if err != nil {
		return nil, fmt.Errorf("abort results of %s: %w", ownerTaskID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("abort results of %s: %w", ownerTaskID, err)
	}
	slices.Sort(ids)
	return ids, nil
}
