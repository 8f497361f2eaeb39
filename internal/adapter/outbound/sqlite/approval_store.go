// Package sqlite provides SQLite-backed implementations of outbound
// ports, for deployments that need approval workflows to survive a
// process restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolwarden/toolwarden/internal/protocols/approval"
)

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	id             TEXT PRIMARY KEY,
	caller         TEXT NOT NULL,
	tool           TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	digest         TEXT NOT NULL,
	status         TEXT NOT NULL,
	consumed       INTEGER NOT NULL DEFAULT 0,
	forward        TEXT NOT NULL DEFAULT '',
	payload        TEXT,
	reason         TEXT NOT NULL DEFAULT '',
	replay_outcome TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	decided_at     TEXT,
	deadline       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_active
	ON approvals (caller, tool, digest, consumed);
CREATE INDEX IF NOT EXISTS idx_approvals_status
	ON approvals (status);
`

// ApprovalStore implements approval.Store on a SQLite database.
type ApprovalStore struct {
	db *sql.DB
}

// NewApprovalStore opens (or creates) the database at path and ensures
// the schema exists. The caller owns closing the store.
func NewApprovalStore(path string) (*ApprovalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open approval database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent updates.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(approvalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create approval schema: %w", err)
	}
	return &ApprovalStore{db: db}, nil
}

// Close closes the underlying database.
func (s *ApprovalStore) Close() error {
	return s.db.Close()
}

// Create inserts a new record.
func (s *ApprovalStore) Create(ctx context.Context, rec *approval.Record) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals
			(id, caller, tool, session_id, digest, status, consumed, forward,
			 payload, reason, replay_outcome, created_at, decided_at, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Caller, rec.Tool, rec.SessionID, rec.Digest,
		string(rec.Status), boolToInt(rec.Consumed), string(rec.Forward),
		payload, rec.Reason, rec.ReplayOutcome,
		formatTime(rec.CreatedAt), formatNullableTime(rec.DecidedAt), formatTime(rec.Deadline),
	)
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", rec.ID, err)
	}
	return nil
}

// GetActive returns the non-consumed record for (caller, tool, digest).
func (s *ApprovalStore) GetActive(ctx context.Context, caller, tool, digest string) (*approval.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, caller, tool, session_id, digest, status, consumed, forward,
		       payload, reason, replay_outcome, created_at, decided_at, deadline
		FROM approvals
		WHERE caller = ? AND tool = ? AND digest = ? AND consumed = 0
		ORDER BY created_at DESC
		LIMIT 1`,
		caller, tool, digest,
	)
	return scanRecord(row)
}

// GetByID returns a record by id.
func (s *ApprovalStore) GetByID(ctx context.Context, id string) (*approval.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, caller, tool, session_id, digest, status, consumed, forward,
		       payload, reason, replay_outcome, created_at, decided_at, deadline
		FROM approvals
		WHERE id = ?`,
		id,
	)
	return scanRecord(row)
}

// Update rewrites an existing record.
func (s *ApprovalStore) Update(ctx context.Context, rec *approval.Record) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET
			status = ?, consumed = ?, forward = ?, payload = ?, reason = ?,
			replay_outcome = ?, decided_at = ?, deadline = ?
		WHERE id = ?`,
		string(rec.Status), boolToInt(rec.Consumed), string(rec.Forward),
		payload, rec.Reason, rec.ReplayOutcome,
		formatNullableTime(rec.DecidedAt), formatTime(rec.Deadline),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update approval %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval %s: %w", rec.ID, err)
	}
	if n == 0 {
		return approval.ErrNotFound
	}
	return nil
}

// ListPending returns all pending records, oldest first.
func (s *ApprovalStore) ListPending(ctx context.Context) ([]*approval.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller, tool, session_id, digest, status, consumed, forward,
		       payload, reason, replay_outcome, created_at, decided_at, deadline
		FROM approvals
		WHERE status = ?
		ORDER BY created_at ASC`,
		string(approval.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*approval.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return out, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*approval.Record, error) {
	var (
		rec       approval.Record
		status    string
		consumed  int
		forward   string
		payload   sql.NullString
		createdAt string
		decidedAt sql.NullString
		deadline  string
	)
	err := sc.Scan(
		&rec.ID, &rec.Caller, &rec.Tool, &rec.SessionID, &rec.Digest,
		&status, &consumed, &forward,
		&payload, &rec.Reason, &rec.ReplayOutcome,
		&createdAt, &decidedAt, &deadline,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}

	rec.Status = approval.Status(status)
	rec.Consumed = consumed != 0
	rec.Forward = approval.ForwardState(forward)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode approval payload: %w", err)
		}
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if decidedAt.Valid && decidedAt.String != "" {
		if rec.DecidedAt, err = parseTime(decidedAt.String); err != nil {
			return nil, err
		}
	}
	if rec.Deadline, err = parseTime(deadline); err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalPayload(payload map[string]interface{}) (sql.NullString, error) {
	if payload == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode approval payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullableTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse approval timestamp %q: %w", s, err)
	}
	return t, nil
}

// Compile-time interface verification.
var _ approval.Store = (*ApprovalStore)(nil)
