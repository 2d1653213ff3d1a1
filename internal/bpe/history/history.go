// Package history archives ProcessRecords that have reached a terminal
// status, so a workspace's background-process activity survives process
// restarts and disposal. It is a thin read/write layer over the dialect-
// portable db.Pool, not part of the live Registry's state machine.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/muxlabs/bpe/internal/bpe/process"
	"github.com/muxlabs/bpe/internal/common/sqlite"
	"github.com/muxlabs/bpe/internal/db"
	"github.com/muxlabs/bpe/internal/db/dialect"
)

// Store archives terminal ProcessRecords and answers historical lookups.
// Writes go through pool.Writer(); reads use pool.Reader() so SQLite's WAL
// readers aren't serialized behind the single writer connection.
type Store struct {
	pool   *db.Pool
	driver string

	// archiveGroup collapses concurrent Archive calls for the same process
	// id (e.g. two Dispose calls racing for the same record) into one write.
	archiveGroup singleflight.Group
}

// New wraps an already-opened Pool. driver is one of dialect.SQLite3 /
// dialect.PGX, used to pick portable SQL fragments.
func New(pool *db.Pool, driver string) *Store {
	return &Store{pool: pool, driver: driver}
}

// Migrate creates the archive table if it does not already exist. Safe to
// call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	idType := "TEXT"
	jsonType := "TEXT"
	if dialect.IsPostgres(s.driver) {
		jsonType = "JSONB"
	}

	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS process_history (
	id %s PRIMARY KEY,
	workspace_id %s NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	script TEXT NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER,
	started_at BIGINT NOT NULL,
	finished_at BIGINT,
	last_error TEXT NOT NULL DEFAULT '',
	worker_host TEXT NOT NULL DEFAULT '',
	output_tail %s NOT NULL DEFAULT '',
	env %s NOT NULL DEFAULT '{}',
	archived_at BIGINT NOT NULL
)`, idType, idType, jsonType, jsonType)

	_, err := s.pool.Writer().ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}

	idx := "CREATE INDEX IF NOT EXISTS idx_process_history_workspace ON process_history (workspace_id, started_at)"
	if _, err := s.pool.Writer().ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("history: migrate index: %w", err)
	}

	// worker_host was added after the table's initial shape; guard databases
	// created before that column existed. CREATE TABLE IF NOT EXISTS alone
	// wouldn't add it to an already-existing table.
	if !dialect.IsPostgres(s.driver) {
		if err := sqlite.EnsureColumn(s.pool.Writer().DB, "process_history", "worker_host", "TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("history: migrate worker_host column: %w", err)
		}
	}
	return nil
}

// Record is the archived form of a terminal process.Record. outputTail is a
// best-effort capped copy of the record's final output (the live
// outputbuffer itself is not persisted).
type Record struct {
	ID          string
	WorkspaceID string
	DisplayName string
	Script      string
	Status      process.Status
	ExitCode    *int
	StartedAt   int64
	FinishedAt  *int64
	LastError   string
	WorkerHost  string
	OutputTail  string
	Env         map[string]string
	ArchivedAt  int64
}

// Archive inserts or replaces the archived row for a terminal record.
// Callers (the Controller's Dispose path) must only archive records whose
// Status().Terminal() is true.
func (s *Store) Archive(ctx context.Context, rec Record) error {
	_, err, _ := s.archiveGroup.Do(rec.ID, func() (interface{}, error) {
		return nil, s.archive(ctx, rec)
	})
	return err
}

func (s *Store) archive(ctx context.Context, rec Record) error {
	envJSON, err := json.Marshal(rec.Env)
	if err != nil {
		return fmt.Errorf("history: marshal env: %w", err)
	}

	writer := s.pool.Writer()
	query := writer.Rebind(`
DELETE FROM process_history WHERE id = ?`)
	if _, err := writer.ExecContext(ctx, query, rec.ID); err != nil {
		return fmt.Errorf("history: archive delete existing: %w", err)
	}

	insert := writer.Rebind(`
INSERT INTO process_history
	(id, workspace_id, display_name, script, status, exit_code, started_at,
	 finished_at, last_error, worker_host, output_tail, env, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = writer.ExecContext(ctx, insert,
		rec.ID, rec.WorkspaceID, rec.DisplayName, rec.Script, string(rec.Status),
		rec.ExitCode, rec.StartedAt, rec.FinishedAt, rec.LastError, rec.WorkerHost,
		rec.OutputTail, string(envJSON), rec.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("history: archive insert: %w", err)
	}
	return nil
}

// Get returns the archived record for id, or (Record{}, false) if absent.
func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	var row historyRow
	query := s.pool.Reader().Rebind(`SELECT * FROM process_history WHERE id = ?`)
	err := s.pool.Reader().GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("history: get: %w", err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ListByWorkspace returns archived records for wsid, most-recently-started
// first, capped at limit (a non-positive limit defaults to 100).
func (s *Store) ListByWorkspace(ctx context.Context, wsid string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []historyRow
	query := s.pool.Reader().Rebind(`
SELECT * FROM process_history
WHERE workspace_id = ?
ORDER BY started_at DESC
LIMIT ?`)
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, wsid, limit); err != nil {
		return nil, fmt.Errorf("history: list by workspace: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SearchByDisplayName finds archived records in wsid whose display name
// contains query (case-insensitive), most-recently-started first.
func (s *Store) SearchByDisplayName(ctx context.Context, wsid, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []historyRow
	stmt := fmt.Sprintf(`
SELECT * FROM process_history
WHERE workspace_id = ? AND display_name %s ?
ORDER BY started_at DESC
LIMIT ?`, dialect.Like(s.driver))
	q := s.pool.Reader().Rebind(stmt)
	if err := s.pool.Reader().SelectContext(ctx, &rows, q, wsid, "%"+query+"%", limit); err != nil {
		return nil, fmt.Errorf("history: search by display name: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindByEnvValue returns archived records in wsid whose environment held
// envKey == value at archive time. Useful for locating, e.g., every run
// launched against a given branch or target.
func (s *Store) FindByEnvValue(ctx context.Context, wsid, envKey, value string) ([]Record, error) {
	var rows []historyRow
	stmt := fmt.Sprintf(`
SELECT * FROM process_history
WHERE workspace_id = ? AND %s = ?
ORDER BY started_at DESC`, dialect.JSONExtract(s.driver, "env", envKey))
	q := s.pool.Reader().Rebind(stmt)
	if err := s.pool.Reader().SelectContext(ctx, &rows, q, wsid, value); err != nil {
		return nil, fmt.Errorf("history: find by env value: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PruneOlderThan deletes archived records whose archived_at predates
// cutoffUnixMs. Nothing in bped calls it.
func (s *Store) PruneOlderThan(ctx context.Context, cutoffUnixMs int64) (int64, error) {
	writer := s.pool.Writer()
	query := writer.Rebind(`DELETE FROM process_history WHERE archived_at < ?`)
	res, err := writer.ExecContext(ctx, query, cutoffUnixMs)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// historyRow is the sqlx scan target; nullable columns use sql.Null* so we
// don't need per-driver NULL handling.
type historyRow struct {
	ID          string        `db:"id"`
	WorkspaceID string        `db:"workspace_id"`
	DisplayName string        `db:"display_name"`
	Script      string        `db:"script"`
	Status      string        `db:"status"`
	ExitCode    sql.NullInt64 `db:"exit_code"`
	StartedAt   int64         `db:"started_at"`
	FinishedAt  sql.NullInt64 `db:"finished_at"`
	LastError   string        `db:"last_error"`
	WorkerHost  string        `db:"worker_host"`
	OutputTail  string        `db:"output_tail"`
	Env         string        `db:"env"`
	ArchivedAt  int64         `db:"archived_at"`
}

func (row historyRow) toRecord() (Record, error) {
	rec := Record{
		ID:          row.ID,
		WorkspaceID: row.WorkspaceID,
		DisplayName: row.DisplayName,
		Script:      row.Script,
		Status:      process.Status(row.Status),
		StartedAt:   row.StartedAt,
		LastError:   row.LastError,
		WorkerHost:  row.WorkerHost,
		OutputTail:  row.OutputTail,
		ArchivedAt:  row.ArchivedAt,
	}
	if row.ExitCode.Valid {
		v := int(row.ExitCode.Int64)
		rec.ExitCode = &v
	}
	if row.FinishedAt.Valid {
		v := row.FinishedAt.Int64
		rec.FinishedAt = &v
	}
	env := make(map[string]string)
	if row.Env != "" {
		if err := json.Unmarshal([]byte(row.Env), &env); err != nil {
			return Record{}, fmt.Errorf("history: unmarshal env: %w", err)
		}
	}
	rec.Env = env
	return rec, nil
}

// FromSnapshot builds an archive Record from a live process.Snapshot plus
// the final output tail captured at dispose time.
func FromSnapshot(snap process.Snapshot, env map[string]string, outputTail string, archivedAt int64) Record {
	return Record{
		ID:          snap.ID,
		WorkspaceID: snap.WorkspaceID,
		DisplayName: snap.DisplayName,
		Script:      snap.Script,
		Status:      snap.Status,
		ExitCode:    snap.ExitCode,
		StartedAt:   snap.StartedAt,
		FinishedAt:  snap.FinishedAt,
		LastError:   snap.LastError,
		WorkerHost:  snap.WorkerHost,
		OutputTail:  outputTail,
		Env:         env,
		ArchivedAt:  archivedAt,
	}
}
