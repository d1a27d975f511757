package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/GridForge/internal/domain/partition"
	"github.com/Strob0t/GridForge/internal/domain/session"
)

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	opts, err := json.Marshal(sess.DefaultOptions)
	if err != nil {
		return fmt.Errorf("marshal default options: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, partition_ids, default_options, cancelled, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, pgTextArray(sess.PartitionIDs), opts, sess.Cancelled, sess.CreatedAt)
	if err != nil {
		return conflictWrap(err, "create session %s", sess.ID)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess      session.Session
		opts      []byte
		cancelled *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, partition_ids, default_options, cancelled, created_at, cancelled_at
		 FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.PartitionIDs, &opts, &sess.Cancelled, &sess.CreatedAt, &cancelled)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", id)
	}
	if err := json.Unmarshal(opts, &sess.DefaultOptions); err != nil {
		return nil, fmt.Errorf("unmarshal default options: %w", err)
	}
	sess.CancelledAt = timeOrZero(cancelled)
	return &sess, nil
}

func (s *Store) CancelSession(ctx context.Context, id string, now time.Time) (bool, error) {
	var changed bool
	err := s.pool.QueryRow(ctx,
		`WITH upd AS (
			UPDATE sessions SET cancelled = TRUE, cancelled_at = $2
			 WHERE id = $1 AND NOT cancelled
			RETURNING id
		 )
		 SELECT EXISTS (SELECT 1 FROM upd)
		 WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id, now).Scan(&changed)
	if err != nil {
		return false, notFoundWrap(err, "cancel session %s", id)
	}
	return changed, nil
}

// --- Partitions ---

func (s *Store) CreatePartitions(ctx context.Context, partitions []partition.Partition) error {
	if len(partitions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range partitions {
		batch.Queue(
			`INSERT INTO partitions (id, pod_reserved, pod_max, preemption_percentage, priority)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET pod_reserved = EXCLUDED.pod_reserved, pod_max = EXCLUDED.pod_max,
				preemption_percentage = EXCLUDED.preemption_percentage, priority = EXCLUDED.priority`,
			p.ID, p.PodReserved, p.PodMax, p.PreemptionPercentage, p.Priority)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create partitions: %w", err)
	}
	return nil
}

func (s *Store) ArePartitionsExisting(ctx context.Context, ids []string) (bool, error) {
	unique := slices.Compact(slices.Sorted(slices.Values(ids)))
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM partitions WHERE id = ANY($1)`, pgTextArray(unique)).Scan(&n); err != nil {
		return false, fmt.Errorf("check partitions: %w", err)
	}
	return n == len(unique), nil
}

func (s *Store) ListPartitions(ctx context.Context) ([]partition.Partition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pod_reserved, pod_max, preemption_percentage, priority FROM partitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var out []partition.Partition
	for rows.Next() {
		var p partition.Partition
		if err := rows.Scan(&p.ID, &p.PodReserved, &p.PodMax, &p.PreemptionPercentage, &p.Priority); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
