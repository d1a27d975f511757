// Package sqlite implements object storage on an embedded SQLite file, for
// single-node deployments without NATS.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Register the pure-Go "sqlite" driver

	"github.com/Strob0t/GridForge/internal/domain"
	"github.com/Strob0t/GridForge/internal/port/objectstorage"
)

var _ objectstorage.Storage = (*Objects)(nil)

// Objects keeps each object as a header row plus one row per chunk, so an
// object with zero chunks is distinguishable from a missing one.
type Objects struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Objects, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	o := &Objects{db: db}
	if err := o.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return o, nil
}

func (o *Objects) migrate() error {
	_, err := o.db.Exec(`
	CREATE TABLE IF NOT EXISTS objects (
		id     TEXT PRIMARY KEY,
		chunks INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS object_chunks (
		object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		seq       INTEGER NOT NULL,
		data      BLOB NOT NULL,
		PRIMARY KEY (object_id, seq)
	);`)
	return err
}

// Close closes the database connection.
func (o *Objects) Close() error {
	return o.db.Close()
}

func (o *Objects) Fetch(ctx context.Context, id string) ([][]byte, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT chunks FROM objects WHERE id = ?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fetch object %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch object %s: %w", id, err)
	}

	rows, err := o.db.QueryContext(ctx, `SELECT data FROM object_chunks WHERE object_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("fetch chunks %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	chunks := make([][]byte, 0, n)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, data)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chunks) != n {
		return nil, fmt.Errorf("fetch object %s: expected %d chunks, found %d", id, n, len(chunks))
	}
	return chunks, nil
}

func (o *Objects) Store(ctx context.Context, id string, chunks [][]byte) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM object_chunks WHERE object_id = ?`, id); err != nil {
		return fmt.Errorf("replace object %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO objects (id, chunks) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET chunks = excluded.chunks`,
		id, len(chunks)); err != nil {
		return fmt.Errorf("store object %s: %w", id, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO object_chunks (object_id, seq, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for i, c := range chunks {
		if c == nil {
			c = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, id, i, c); err != nil {
			return fmt.Errorf("store chunk %d of %s: %w", i, id, err)
		}
	}
	return tx.Commit()
}

func (o *Objects) Delete(ctx context.Context, id string) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM object_chunks WHERE object_id = ?`, id); err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	return tx.Commit()
}
