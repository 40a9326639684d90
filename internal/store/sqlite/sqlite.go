// Package sqlite is the single-file persistence backend (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// Store implements store.RunStore and store.TracingStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			session_key TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			input_preview TEXT NOT NULL DEFAULT '',
			output_preview TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			span_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_run ON traces(run_id)`,
		`CREATE TABLE IF NOT EXISTS spans (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			span_type TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id, start_time)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// --- runs ---

func (s *Store) SaveRun(ctx context.Context, run *store.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, session_key, agent_id, user_id, status, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionKey, run.AgentID, run.UserID, string(run.Status), run.CreatedAt.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.RunRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeRun(data)
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	var where []string
	var args []interface{}
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("session_key", filter.SessionKey)
	add("agent_id", filter.AgentID)
	add("user_id", filter.UserID)
	add("status", string(filter.Status))

	q := `SELECT data FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.EffectiveLimit(), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []*store.RunRecord{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func decodeRun(data string) (*store.RunRecord, error) {
	var run store.RunRecord
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

// --- tracing ---

func (s *Store) CreateTrace(ctx context.Context, t *store.TraceData) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, run_id, agent_id, session_key, user_id, name, status, error,
			input_preview, output_preview, start_time, end_time, span_count, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.RunID, t.AgentID, t.SessionKey, t.UserID, t.Name, t.Status, t.Error,
		t.InputPreview, t.OutputPreview, t.StartTime.UnixMilli(), millisOrNil(t.EndTime),
		t.SpanCount, t.TotalTokens, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

func (s *Store) UpdateTrace(ctx context.Context, traceID uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	var sets []string
	var args []interface{}
	for col, val := range updates {
		if !store.TraceUpdateColumns[col] {
			return &store.UnknownColumnError{Column: col}
		}
		if ts, ok := val.(time.Time); ok {
			val = ts.UnixMilli()
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	args = append(args, traceID.String())
	_, err := s.db.ExecContext(ctx, "UPDATE traces SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	return nil
}

func (s *Store) BatchCreateSpans(ctx context.Context, spans []store.SpanData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO spans (id, trace_id, span_type, start_time, input_tokens, output_tokens, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sp := range spans {
		data, err := json.Marshal(sp)
		if err != nil {
			return fmt.Errorf("marshal span: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, sp.ID.String(), sp.TraceID.String(), sp.SpanType,
			sp.StartTime.UnixMilli(), sp.InputTokens, sp.OutputTokens, string(data)); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) BatchUpdateTraceAggregates(ctx context.Context, traceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE traces SET
			span_count = (SELECT COUNT(*) FROM spans WHERE trace_id = ?),
			total_tokens = (SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM spans WHERE trace_id = ?)
		 WHERE id = ?`, traceID.String(), traceID.String(), traceID.String())
	if err != nil {
		return fmt.Errorf("update trace aggregates: %w", err)
	}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, traceID uuid.UUID) (*store.TraceData, error) {
	var t store.TraceData
	var id string
	var startMs, createdMs int64
	var endMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, agent_id, session_key, user_id, name, status, error, input_preview,
			output_preview, start_time, end_time, span_count, total_tokens, created_at
		 FROM traces WHERE id = ?`, traceID.String()).
		Scan(&id, &t.RunID, &t.AgentID, &t.SessionKey, &t.UserID, &t.Name, &t.Status, &t.Error,
			&t.InputPreview, &t.OutputPreview, &startMs, &endMs, &t.SpanCount, &t.TotalTokens, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	t.ID = uuid.MustParse(id)
	t.StartTime = time.UnixMilli(startMs).UTC()
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	if endMs.Valid {
		end := time.UnixMilli(endMs.Int64).UTC()
		t.EndTime = &end
	}
	return &t, nil
}

func (s *Store) ListSpans(ctx context.Context, traceID uuid.UUID) ([]store.SpanData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM spans WHERE trace_id = ? ORDER BY start_time, id`, traceID.String())
	if err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	defer rows.Close()
	var out []store.SpanData
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sp store.SpanData
		if err := json.Unmarshal([]byte(data), &sp); err != nil {
			return nil, fmt.Errorf("decode span: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func millisOrNil(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
