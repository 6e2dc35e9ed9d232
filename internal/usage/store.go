// Package usage provides persistent per-run records of orchestration
// activity. Records are append-only and indexed by user and timestamp
// for the usage report endpoint.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record represents one completed (or failed) orchestration run.
type Record struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Model          string         `json:"model"`
	Prompt         string         `json:"prompt"`
	Reply          string         `json:"reply,omitempty"`
	Iterations     int            `json:"iterations"`
	MaxIterations  int            `json:"max_iterations"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	Exhausted      bool           `json:"exhausted"`
	ToolsCalled    map[string]int `json:"tools_called,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	DurationMs     int64          `json:"duration_ms"`
	Error          string         `json:"error,omitempty"`
}

// Summary holds aggregated totals over a set of runs.
type Summary struct {
	Runs         int   `json:"runs"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Exhausted    int   `json:"exhausted"`
}

// Store is an append-only SQLite store for run records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a run store on the given database connection and
// creates its table if it does not already exist.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("usage store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			model           TEXT NOT NULL,
			prompt          TEXT NOT NULL,
			reply           TEXT,
			iterations      INTEGER NOT NULL,
			max_iterations  INTEGER NOT NULL,
			input_tokens    INTEGER NOT NULL,
			output_tokens   INTEGER NOT NULL,
			exhausted       BOOLEAN NOT NULL DEFAULT 0,
			tools_called    TEXT,
			started_at      TEXT NOT NULL,
			completed_at    TEXT NOT NULL,
			duration_ms     INTEGER NOT NULL,
			error           TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_runs_user
			ON runs(user_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_started
			ON runs(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_model
			ON runs(model);
	`)
	return err
}

// Record inserts a run record. If rec.ID is empty a UUIDv7 is
// generated; a zero CompletedAt is filled with the current time.
func (s *Store) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}

	toolsJSON, err := json.Marshal(rec.ToolsCalled)
	if err != nil {
		return fmt.Errorf("marshal tools_called: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, user_id, conversation_id, model, prompt, reply,
			iterations, max_iterations, input_tokens, output_tokens,
			exhausted, tools_called, started_at, completed_at,
			duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ConversationID, rec.Model,
		rec.Prompt, rec.Reply,
		rec.Iterations, rec.MaxIterations,
		rec.InputTokens, rec.OutputTokens,
		rec.Exhausted, string(toolsJSON),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationMs, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// ListByUser returns a user's runs, newest first. If limit is 0, all
// records are returned.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	query := `
		SELECT id, user_id, conversation_id, model, prompt, reply,
			iterations, max_iterations, input_tokens, output_tokens,
			exhausted, tools_called, started_at, completed_at,
			duration_ms, error
		FROM runs WHERE user_id = ? ORDER BY started_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UserSummary returns aggregated totals for one user's runs within
// [start, end).
func (s *Store) UserSummary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(exhausted), 0)
		FROM runs
		WHERE user_id = ? AND started_at >= ? AND started_at < ?`,
		userID,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)

	var sum Summary
	if err := row.Scan(&sum.Runs, &sum.InputTokens, &sum.OutputTokens, &sum.Exhausted); err != nil {
		return nil, fmt.Errorf("query run summary: %w", err)
	}
	return &sum, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var reply, toolsJSON, errStr sql.NullString
	var startedAt, completedAt string

	err := rows.Scan(
		&rec.ID, &rec.UserID, &rec.ConversationID, &rec.Model,
		&rec.Prompt, &reply,
		&rec.Iterations, &rec.MaxIterations,
		&rec.InputTokens, &rec.OutputTokens,
		&rec.Exhausted, &toolsJSON,
		&startedAt, &completedAt,
		&rec.DurationMs, &errStr,
	)
	if err != nil {
		return nil, err
	}

	rec.Reply = reply.String
	rec.Error = errStr.String
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)

	if toolsJSON.Valid && toolsJSON.String != "" {
		_ = json.Unmarshal([]byte(toolsJSON.String), &rec.ToolsCalled)
	}
	return &rec, nil
}
