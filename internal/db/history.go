package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/peterje/pulsar/internal/session"
)

// ReasonOrphaned marks sessions a previous daemon never closed out, e.g.
// because it crashed.
const ReasonOrphaned = "orphaned"

// Record is one row of session history.
type Record struct {
	ID           string
	Name         string
	SessionType  session.Type
	Rows, Cols   uint16
	CreatedAt    time.Time
	TerminatedAt sql.NullTime
	Reason       sql.NullString
	ExitCode     sql.NullInt64
}

// History records session lifecycles.
type History struct {
	db *sql.DB
}

func NewHistory(database *sql.DB) *History {
	return &History{db: database}
}

// RecordCreated inserts a row for a new session.
func (h *History) RecordCreated(ctx context.Context, sum session.Summary) error {
	typ, err := json.Marshal(sum.SessionType)
	if err != nil {
		return fmt.Errorf("encode session type: %w", err)
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, session_type, term_rows, term_cols, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Name, string(typ), sum.Rows, sum.Cols, sum.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record created %s: %w", sum.ID, err)
	}
	return nil
}

// RecordTerminated closes out a session's row. Unknown ids are ignored.
func (h *History) RecordTerminated(ctx context.Context, id string, reason session.Reason, exitCode int, at time.Time) error {
	_, err := h.db.ExecContext(ctx,
		`UPDATE sessions SET terminated_at = ?, reason = ?, exit_code = ? WHERE id = ? AND terminated_at IS NULL`,
		at.UTC(), string(reason), exitCode, id)
	if err != nil {
		return fmt.Errorf("record terminated %s: %w", id, err)
	}
	return nil
}

// Recent returns up to limit sessions, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, name, session_type, term_rows, term_cols, created_at, terminated_at, reason, exit_code
		FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var typ string
		if err := rows.Scan(&r.ID, &r.Name, &typ, &r.Rows, &r.Cols, &r.CreatedAt, &r.TerminatedAt, &r.Reason, &r.ExitCode); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(typ), &r.SessionType); err != nil {
			return nil, fmt.Errorf("decode session type of %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkOrphaned closes every open row with ReasonOrphaned. It runs at
// startup, before any session exists, and returns the number of rows
// closed.
func (h *History) MarkOrphaned(ctx context.Context, at time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx,
		`UPDATE sessions SET terminated_at = ?, reason = ? WHERE terminated_at IS NULL`,
		at.UTC(), ReasonOrphaned)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned: %w", err)
	}
	return res.RowsAffected()
}
