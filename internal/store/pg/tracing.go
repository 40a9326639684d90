package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// PGTracingStore implements store.TracingStore backed by Postgres.
type PGTracingStore struct {
	db *sqlx.DB
}

func NewPGTracingStore(db *sqlx.DB) *PGTracingStore {
	return &PGTracingStore{db: db}
}

type traceRow struct {
	ID            uuid.UUID  `db:"id"`
	RunID         string     `db:"run_id"`
	AgentID       string     `db:"agent_id"`
	SessionKey    string     `db:"session_key"`
	UserID        string     `db:"user_id"`
	Name          string     `db:"name"`
	Status        string     `db:"status"`
	Error         string     `db:"error"`
	InputPreview  string     `db:"input_preview"`
	OutputPreview string     `db:"output_preview"`
	StartTime     time.Time  `db:"start_time"`
	EndTime       *time.Time `db:"end_time"`
	SpanCount     int        `db:"span_count"`
	TotalTokens   int        `db:"total_tokens"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (s *PGTracingStore) CreateTrace(ctx context.Context, t *store.TraceData) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO traces (id, run_id, agent_id, session_key, user_id, name, status, error,
			input_preview, output_preview, start_time, end_time, span_count, total_tokens, created_at)
		 VALUES (:id, :run_id, :agent_id, :session_key, :user_id, :name, :status, :error,
			:input_preview, :output_preview, :start_time, :end_time, :span_count, :total_tokens, :created_at)`,
		traceRow{
			ID: t.ID, RunID: t.RunID, AgentID: t.AgentID, SessionKey: t.SessionKey, UserID: t.UserID,
			Name: t.Name, Status: t.Status, Error: t.Error, InputPreview: t.InputPreview,
			OutputPreview: t.OutputPreview, StartTime: t.StartTime, EndTime: nilTime(t.EndTime),
			SpanCount: t.SpanCount, TotalTokens: t.TotalTokens, CreatedAt: t.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

func (s *PGTracingStore) UpdateTrace(ctx context.Context, traceID uuid.UUID, updates map[string]any) error {
	for col := range updates {
		if !store.TraceUpdateColumns[col] {
			return &store.UnknownColumnError{Column: col}
		}
	}
	if err := execMapUpdate(ctx, s.db, "traces", traceID, updates); err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	return nil
}

func (s *PGTracingStore) BatchCreateSpans(ctx context.Context, spans []store.SpanData) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sp := range spans {
		data, err := json.Marshal(sp)
		if err != nil {
			return fmt.Errorf("marshal span: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO spans (id, trace_id, span_type, start_time, input_tokens, output_tokens, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			sp.ID, sp.TraceID, sp.SpanType, sp.StartTime, sp.InputTokens, sp.OutputTokens, data); err != nil {
			return fmt.Errorf("insert span: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PGTracingStore) BatchUpdateTraceAggregates(ctx context.Context, traceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE traces SET
			span_count = (SELECT COUNT(*) FROM spans WHERE trace_id = $1),
			total_tokens = (SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM spans WHERE trace_id = $1)
		 WHERE id = $1`, traceID)
	if err != nil {
		return fmt.Errorf("update trace aggregates: %w", err)
	}
	return nil
}

func (s *PGTracingStore) GetTrace(ctx context.Context, traceID uuid.UUID) (*store.TraceData, error) {
	var row traceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM traces WHERE id = $1`, traceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	return &store.TraceData{
		ID: row.ID, RunID: row.RunID, AgentID: row.AgentID, SessionKey: row.SessionKey, UserID: row.UserID,
		Name: row.Name, Status: row.Status, Error: row.Error, InputPreview: row.InputPreview,
		OutputPreview: row.OutputPreview, StartTime: row.StartTime, EndTime: row.EndTime,
		SpanCount: row.SpanCount, TotalTokens: row.TotalTokens, CreatedAt: row.CreatedAt,
	}, nil
}

func (s *PGTracingStore) ListSpans(ctx context.Context, traceID uuid.UUID) ([]store.SpanData, error) {
	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT data FROM spans WHERE trace_id = $1 ORDER BY start_time, id`, traceID); err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	out := make([]store.SpanData, 0, len(rows))
	for _, data := range rows {
		var sp store.SpanData
		if err := json.Unmarshal(data, &sp); err != nil {
			return nil, fmt.Errorf("decode span: %w", err)
		}
		out = append(out, sp)
	}
	return out, nil
}
