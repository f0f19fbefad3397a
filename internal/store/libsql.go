package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conductor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/conductor.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	snap, err := marshalSnapshot(run.Snapshot)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, correlation_id, context_id, objective, output_mode, terminal_status, block_reason, snapshot, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CorrelationID, run.ContextID, run.Objective, string(run.OutputMode),
		string(run.TerminalStatus), nullStr(run.BlockReason), snap, run.Version, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx, selectRuns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, storeNotFound("run", id)
	}
	return runs[0], nil
}

// SaveSnapshot stores the latest snapshot of a run. Older versions never
// overwrite newer ones.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *schema.RunSnapshot) error {
	raw, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET snapshot = ?, version = ?, terminal_status = ?, block_reason = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND version <= ?`,
		raw, snap.Version, string(snap.TerminalStatus), nullStr(snap.BlockReason), nullTime(snap.CompletedAt),
		time.Now().UTC(), snap.RunID, snap.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either unknown or a newer version is already stored.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, snap.RunID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return storeNotFound("run", snap.RunID)
		}
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var q selectQuery
	q.whereIf(filter.ContextID != "", "context_id = ?", filter.ContextID)
	if filter.TerminalStatus != nil {
		q.where("terminal_status = ?", string(*filter.TerminalStatus))
	}
	if filter.Since != nil {
		q.where("created_at >= ?", *filter.Since)
	}
	if !filter.IncludeArchived {
		q.where("archived_at IS NULL")
	}

	rows, err := s.db.QueryContext(ctx, q.build(selectRuns, "created_at DESC", filter.Limit, filter.Offset), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ArchiveRuns flags terminal runs completed before the cutoff as archived
// and drops their event log.
func (s *LibSQLStore) ArchiveRuns(ctx context.Context, completedBefore time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM runs WHERE terminal_status != '' AND archived_at IS NULL AND completed_at < ?`,
		completedBefore)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
			return 0, fmt.Errorf("drop events of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET archived_at = ? WHERE id = ?`, now, id); err != nil {
			return 0, fmt.Errorf("archive %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return len(ids), nil
}

const selectRuns = `SELECT id, correlation_id, context_id, objective, output_mode, terminal_status, block_reason,
	snapshot, version, created_at, updated_at, completed_at, archived_at FROM runs`

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var (
			mode, terminal          string
			blockReason, snapJSON   sql.NullString
			completedAt, archivedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.ContextID, &r.Objective, &mode, &terminal, &blockReason,
			&snapJSON, &r.Version, &r.CreatedAt, &r.UpdatedAt, &completedAt, &archivedAt); err != nil {
			return nil, err
		}
		r.OutputMode = schema.OutputMode(mode)
		r.TerminalStatus = schema.TerminalStatus(terminal)
		r.BlockReason = blockReason.String
		if raw := rawOrNil(snapJSON); raw != nil {
			r.Snapshot = &schema.RunSnapshot{}
			if err := json.Unmarshal(raw, r.Snapshot); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot of %s: %w", r.ID, err)
			}
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		if archivedAt.Valid {
			r.ArchivedAt = &archivedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, kind, item_id, call_id, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Kind, nullStr(event.ItemID), nullStr(event.CallID), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEvents+` WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByKind(ctx context.Context, kind string, filter EventFilter) ([]*schema.Event, error) {
	var q selectQuery
	q.where("kind = ?", kind)
	q.whereIf(filter.RunID != "", "run_id = ?", filter.RunID)
	q.whereIf(filter.ItemID != "", "item_id = ?", filter.ItemID)
	if filter.Since != nil {
		q.where("timestamp >= ?", *filter.Since)
	}

	rows, err := s.db.QueryContext(ctx, q.build(selectEvents, "timestamp DESC, id DESC", filter.Limit, 0), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

const selectEvents = `SELECT id, run_id, kind, item_id, call_id, payload, timestamp, sequence FROM events`

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var itemID, callID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &itemID, &callID, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ItemID = itemID.String
		e.CallID = callID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers ---

// selectQuery accumulates AND-ed conditions and their arguments.
type selectQuery struct {
	conds []string
	args  []any
}

func (q *selectQuery) where(cond string, args ...any) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
}

func (q *selectQuery) whereIf(ok bool, cond string, args ...any) {
	if ok {
		q.where(cond, args...)
	}
}

// build appends the conditions, ordering and paging to base. Offset is
// ignored without a limit.
func (q *selectQuery) build(base, orderBy string, limit, offset int) string {
	var b strings.Builder
	b.WriteString(base)
	if len(q.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.conds, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy)
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", offset)
		}
	}
	return b.String()
}

func marshalSnapshot(snap *schema.RunSnapshot) (any, error) {
	if snap == nil {
		return nil, nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(raw), nil
}

func storeNotFound(resource, id string) *schema.ConductorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
