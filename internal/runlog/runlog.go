// Package runlog implements an optional Postgres-backed run-history
// ledger: every preset attempt (success or failure) the orchestrator makes
// across every invocation of the engine, independent of and in addition to
// the per-node JSON manifest. Unlike the manifest, this is queryable
// history across nodes and time, and recording to it is best-effort — a
// runlog outage must never fail a provisioning run.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one preset attempt, successful or not.
type Entry struct {
	ID           string
	PresetID     string
	Provider     string
	Node         string
	DurationMs   int64
	Success      bool
	Chained      bool
	ErrorMessage string
	SnapshotID   string
	TemplateID   string
	CreatedAt    time.Time
}

// Store is a Postgres-backed sink for Entry records.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies connectivity, and ensures the schema
// exists. An empty dsn means the runlog is disabled; callers should treat
// a nil *Store as "do not record" rather than calling Open with "".
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("runlog: postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("runlog: create pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("runlog: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS preset_runs (
			id TEXT PRIMARY KEY,
			preset_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			node TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			chained BOOLEAN NOT NULL DEFAULT FALSE,
			error_message TEXT,
			snapshot_id TEXT,
			template_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_preset_runs_preset_id ON preset_runs(preset_id);
		CREATE INDEX IF NOT EXISTS idx_preset_runs_created_at ON preset_runs(created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("runlog: ensure schema: %w", err)
	}
	return nil
}

// Record inserts e. Conflicts on id are ignored, matching the manifest's
// own idempotent-retry posture (a re-delivered record must not duplicate).
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("runlog: entry id is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO preset_runs (id, preset_id, provider, node, duration_ms, success, chained, error_message, snapshot_id, template_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.PresetID, e.Provider, e.Node, e.DurationMs, e.Success, e.Chained, nullableString(e.ErrorMessage), nullableString(e.SnapshotID), nullableString(e.TemplateID), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("runlog: record: %w", err)
	}
	return nil
}

// ListForPreset returns the most recent runs for presetID, newest first.
func (s *Store) ListForPreset(ctx context.Context, presetID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, preset_id, provider, node, duration_ms, success, chained, error_message, snapshot_id, template_id, created_at
		FROM preset_runs
		WHERE preset_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, presetID, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: list for preset: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListRecent returns the most recent runs across every preset, newest
// first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, preset_id, provider, node, duration_ms, success, chained, error_message, snapshot_id, template_id, created_at
		FROM preset_runs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: list recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Get retrieves a single run by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	var errorMessage, snapshotID, templateID *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, preset_id, provider, node, duration_ms, success, chained, error_message, snapshot_id, template_id, created_at
		FROM preset_runs
		WHERE id = $1
	`, id).Scan(&e.ID, &e.PresetID, &e.Provider, &e.Node, &e.DurationMs, &e.Success, &e.Chained, &errorMessage, &snapshotID, &templateID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("runlog: run %q not found", id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("runlog: get: %w", err)
	}
	applyNullable(&e, errorMessage, snapshotID, templateID)
	return e, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var errorMessage, snapshotID, templateID *string
		if err := rows.Scan(&e.ID, &e.PresetID, &e.Provider, &e.Node, &e.DurationMs, &e.Success, &e.Chained, &errorMessage, &snapshotID, &templateID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("runlog: scan: %w", err)
		}
		applyNullable(&e, errorMessage, snapshotID, templateID)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runlog: rows: %w", err)
	}
	return entries, nil
}

func applyNullable(e *Entry, errorMessage, snapshotID, templateID *string) {
	if errorMessage != nil {
		e.ErrorMessage = *errorMessage
	}
	if snapshotID != nil {
		e.SnapshotID = *snapshotID
	}
	if templateID != nil {
		e.TemplateID = *templateID
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
