// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlitestore provides a SQLite-backed workflow.SnapshotStore and
// workflow.WorkflowLock for single-process durability across restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jagreehal/durably/workflow"
)

var (
	_ workflow.SnapshotStore = (*Store)(nil)
	_ workflow.WorkflowLock  = (*Store)(nil)
	_ workflow.Clearer       = (*Store)(nil)
	_ workflow.Sweeper       = (*Store)(nil)
	_ workflow.Heartbeater   = (*Store)(nil)
)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" or "file::memory:?cache=shared" for tests.
	Path string
	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is a SQLite-backed workflow.SnapshotStore and workflow.WorkflowLock.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at cfg.Path, configures pragmas,
// and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// churn under concurrent callers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			workflow_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_updated_at ON snapshots(updated_at)`,
		`CREATE TABLE IF NOT EXISTS leases (
			workflow_id TEXT PRIMARY KEY,
			owner_token TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %q: %w", m, err)
		}
	}
	return nil
}

// Save implements workflow.SnapshotStore.
func (s *Store) Save(ctx context.Context, snap *workflow.WorkflowSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (workflow_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, snap.WorkflowID, string(body), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: save: %w", err)
	}
	return nil
}

// Load implements workflow.SnapshotStore.
func (s *Store) Load(ctx context.Context, workflowID string) (*workflow.WorkflowSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE workflow_id = ?`, workflowID)
	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlitestore: load: %w", err)
	}
	var snap workflow.WorkflowSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete implements workflow.SnapshotStore.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	return nil
}

// List implements workflow.SnapshotStore.
func (s *Store) List(ctx context.Context, opts workflow.ListOptions) ([]workflow.SnapshotInfo, error) {
	query := `SELECT workflow_id, updated_at FROM snapshots`
	args := []any{}
	if opts.Prefix != "" {
		query += ` WHERE workflow_id LIKE ?`
		args = append(args, opts.Prefix+"%")
	}
	query += ` ORDER BY workflow_id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var out []workflow.SnapshotInfo
	for rows.Next() {
		var id, updatedAt string
		if err := rows.Scan(&id, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, workflow.SnapshotInfo{WorkflowID: id, UpdatedAt: ts})
	}
	return out, rows.Err()
}

// Close implements workflow.SnapshotStore.
func (s *Store) Close() error { return s.db.Close() }

// Clear implements workflow.Clearer.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`)
	return err
}

// Sweep implements workflow.Sweeper.
func (s *Store) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TryAcquire implements workflow.WorkflowLock: conditional insert,
// succeeding when no row exists or the existing row has expired.
func (s *Store) TryAcquire(ctx context.Context, workflowID string, ttl time.Duration) (*workflow.Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var expiresAtStr string
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM leases WHERE workflow_id = ?`, workflowID).Scan(&expiresAtStr)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlitestore: select lease: %w", err)
	}
	if err == nil {
		expiresAt, _ := time.Parse(time.RFC3339Nano, expiresAtStr)
		if expiresAt.After(now) {
			return nil, nil
		}
	}

	token := uuid.NewString()
	expiresAt := now.Add(ttl)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (workflow_id, owner_token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET owner_token = excluded.owner_token, expires_at = excluded.expires_at
	`, workflowID, token, expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: upsert lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return &workflow.Lease{WorkflowID: workflowID, OwnerToken: token, ExpiresAt: expiresAt}, nil
}

// Release implements workflow.WorkflowLock.
func (s *Store) Release(ctx context.Context, workflowID, ownerToken string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE workflow_id = ? AND owner_token = ?`, workflowID, ownerToken)
	if err != nil {
		return fmt.Errorf("sqlitestore: release: %w", err)
	}
	return nil
}

// Heartbeat implements workflow.Heartbeater.
func (s *Store) Heartbeat(ctx context.Context, workflowID, ownerToken string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE workflow_id = ? AND owner_token = ?
	`, time.Now().Add(ttl).UTC().Format(time.RFC3339Nano), workflowID, ownerToken)
	if err != nil {
		return fmt.Errorf("sqlitestore: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlitestore: lease for %q not held by this token", workflowID)
	}
	return nil
}
