package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/domain/task"
)

const taskColumns = `id, session_id, status, options, payload_id, dependency_ids, expected_output_ids,
	retry_of_ids, parent_task_ids, owner_pod, output, created_at, submitted_at, started_at, ended_at`

var (
	runningStatuses    = []string{string(task.StatusDispatched), string(task.StatusProcessing), string(task.StatusProcessed)}
	notStartedStatuses = []string{string(task.StatusCreating), string(task.StatusSubmitted), string(task.StatusDispatched)}
	claimableStatuses  = []string{string(task.StatusSubmitted), string(task.StatusDispatched), string(task.StatusProcessing)}
)

func scanTask(row scannable) (task.Task, error) {
	var (
		t                           task.Task
		status                      string
		options, output             []byte
		submitted, started, endedAt *time.Time
	)
	err := row.Scan(&t.ID, &t.SessionID, &status, &options, &t.PayloadID, &t.DependencyIDs, &t.ExpectedOutputIDs,
		&t.RetryOfIDs, &t.ParentTaskIDs, &t.OwnerPod, &output, &t.CreatedAt, &submitted, &started, &endedAt)
	if err != nil {
		return t, err
	}
	if t.Status, err = task.ParseStatus(status); err != nil {
		return t, fmt.Errorf("task %s: %w", t.ID, domain.ErrProtocol)
	}
	if err := json.Unmarshal(options, &t.Options); err != nil {
		return t, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal(output, &t.Output); err != nil {
		return t, fmt.Errorf("unmarshal output: %w", err)
	}
	t.SubmittedAt = timeOrZero(submitted)
	t.StartedAt = timeOrZero(started)
	t.EndedAt = timeOrZero(endedAt)
	return t, nil
}

// CreateTasks checks every owning session under a share lock so a
// concurrent CancelSession cannot slip between the check and the insert.
func (s *Store) CreateTasks(ctx context.Context, tasks []task.Task) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		checked := make(map[string]bool)
		for i := range tasks {
			sid := tasks[i].SessionID
			if checked[sid] {
				continue
			}
			var cancelled bool
			err := tx.QueryRow(ctx, `SELECT cancelled FROM sessions WHERE id = $1 FOR SHARE`, sid).Scan(&cancelled)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("create tasks: session %s: %w", sid, domain.ErrValidation)
			}
			if err != nil {
				return fmt.Errorf("create tasks: lock session %s: %w", sid, err)
			}
			if cancelled {
				return fmt.Errorf("create tasks: session %s is cancelled: %w", sid, domain.ErrValidation)
			}
			checked[sid] = true
		}

		batch := &pgx.Batch{}
		for i := range tasks {
			t := &tasks[i]
			options, err := json.Marshal(t.Options)
			if err != nil {
				return fmt.Errorf("marshal options: %w", err)
			}
			output, err := json.Marshal(t.Output)
			if err != nil {
				return fmt.Errorf("marshal output: %w", err)
			}
			batch.Queue(
				`INSERT INTO tasks (id, session_id, status, options, payload_id, dependency_ids, expected_output_ids,
					retry_of_ids, parent_task_ids, output, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				t.ID, t.SessionID, string(task.StatusCreating), options, t.PayloadID,
				pgTextArray(t.DependencyIDs), pgTextArray(t.ExpectedOutputIDs),
				pgTextArray(t.RetryOfIDs), pgTextArray(t.ParentTaskIDs), output, t.CreatedAt)
		}

		br := tx.SendBatch(ctx, batch)
		for i := range tasks {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return conflictWrap(err, "create task %s", tasks[i].ID)
			}
		}
		return br.Close()
	})
}

func (s *Store) ReadTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "read task %s", id)
	}
	return &t, nil
}

// taskWhere renders filter as a WHERE clause and its arguments.
func taskWhere(filter task.Filter, conditions []string) (string, []any) {
	var args []any
	argIdx := 1
	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argIdx))
		args = append(args, filter.SessionID)
		argIdx++
	}
	if len(filter.TaskIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("id = ANY($%d)", argIdx))
		args = append(args, filter.TaskIDs)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statuses)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (s *Store) ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	where, args := taskWhere(filter, nil)
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountTasks(ctx context.Context, filter task.Filter) ([]task.StatusCount, error) {
	where, args := taskWhere(filter, []string{fmt.Sprintf("status <> '%s'", task.StatusRetried)})
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var out []task.StatusCount
	for rows.Next() {
		var (
			status string
			c      task.StatusCount
		)
		if err := rows.Scan(&status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		if c.Status, err = task.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("count tasks: %w: %w", domain.ErrProtocol, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b task.StatusCount) int {
		return slices.Index(task.AllStatuses, a.Status) - slices.Index(task.AllStatuses, b.Status)
	})
	return out, nil
}

func (s *Store) FinalizeTasks(ctx context.Context, ids []string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $3, submitted_at = $2 WHERE id = ANY($1) AND status = $4`,
		ids, now, string(task.StatusSubmitted), string(task.StatusCreating))
	if err != nil {
		return 0, fmt.Errorf("finalize tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// transition runs a conditional UPDATE on one task. set may reference
// placeholders from $3 on; args fill them. A missing task is NotFound, a
// task in another state reports false.
func (s *Store) transition(ctx context.Context, id string, from []string, set string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET `+set+` WHERE id = $1 AND status = ANY($2)`,
		append([]any{id, from}, args...)...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check task %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return false, nil
}

func (s *Store) ClaimTask(ctx context.Context, id, ownerPod string, _ time.Time) (bool, error) {
	return s.transition(ctx, id, claimableStatuses,
		`status = $3, owner_pod = $4`, string(task.StatusDispatched), ownerPod)
}

func (s *Store) StartTask(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, []string{string(task.StatusDispatched)},
		`status = $3, started_at = $4`, string(task.StatusProcessing), now)
}

func (s *Store) SetTaskSuccess(ctx context.Context, t *task.Task) (bool, error) {
	return s.finish(ctx, t, []string{string(task.StatusProcessing), string(task.StatusProcessed)}, task.StatusCompleted)
}

func (s *Store) SetTaskRetry(ctx context.Context, t *task.Task) (bool, error) {
	return s.finish(ctx, t, runningStatuses, task.StatusRetried)
}

func (s *Store) SetTaskError(ctx context.Context, t *task.Task, status task.Status) (bool, error) {
	return s.finish(ctx, t, runningStatuses, status)
}

func (s *Store) finish(ctx context.Context, t *task.Task, from []string, to task.Status) (bool, error) {
	output, err := json.Marshal(t.Output)
	if err != nil {
		return false, fmt.Errorf("marshal output: %w", err)
	}
	return s.transition(ctx, t.ID, from,
		`status = $3, output = $4, ended_at = $5`, string(to), output, nullTime(t.EndedAt))
}

func (s *Store) AbortTasks(ctx context.Context, ids []string, detail string, now time.Time) ([]string, error) {
	output, err := json.Marshal(task.Output{Success: false, Error: detail})
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE tasks SET status = $2, output = $3, ended_at = $4
		 WHERE id = ANY($1) AND status = ANY($5)
		 RETURNING id`,
		ids, string(task.StatusError), output, now, notStartedStatuses)
	if err != nil {
		return nil, fmt.Errorf("abort tasks: %w", err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("abort tasks: %w", err)
	}
	slices.Sort(changed)
	return changed, nil
}

func (s *Store) ListDependentTasks(ctx context.Context, sessionID string, resultIDs []string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM tasks WHERE session_id = $1 AND dependency_ids && $2 ORDER BY id`,
		sessionID, pgTextArray(resultIDs))
	if err != nil {
		return nil, fmt.Errorf("list dependent tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list dependent tasks: %w", err)
	}
	return ids, nil
}

func (s *Store) CancelSessionTasks(ctx context.Context, sessionID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		    SET status   = CASE WHEN status IN ('creating', 'submitted') THEN 'cancelled' ELSE 'cancelling' END,
		        ended_at = CASE WHEN status IN ('creating', 'submitted') THEN $2 ELSE ended_at END
		  WHERE session_id = $1 AND status IN ('creating', 'submitted', 'dispatched', 'processing')`,
		sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("cancel session tasks %s: %w", sessionID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SetTaskCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, []string{string(task.StatusCancelling)},
		`status = $3, ended_at = $4`, string(task.StatusCancelled), now)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete task %s", id)
}
