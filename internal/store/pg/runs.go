package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/cloudserve/internal/store"
)

// PGRunStore implements store.RunStore backed by Postgres.
type PGRunStore struct {
	db *sqlx.DB
}

func NewPGRunStore(db *sqlx.DB) *PGRunStore {
	return &PGRunStore{db: db}
}

func (s *PGRunStore) SaveRun(ctx context.Context, run *store.RunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_key, agent_id, user_id, status, created_at, finished_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			data = EXCLUDED.data`,
		run.ID, run.SessionKey, run.AgentID, run.UserID, string(run.Status), run.CreatedAt, nilTime(run.FinishedAt), data)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *PGRunStore) GetRun(ctx context.Context, id string) (*store.RunRecord, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run store.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

func (s *PGRunStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error) {
	var where []string
	var args []interface{}
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
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
	args = append(args, filter.EffectiveLimit(), max(filter.Offset, 0))
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*store.RunRecord, 0, len(rows))
	for _, data := range rows {
		var run store.RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, &run)
	}
	return out, nil
}

func (s *PGRunStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
