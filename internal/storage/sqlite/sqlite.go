package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/codepair/internal/session"
	"github.com/michaelbrown/codepair/internal/storage"

	_ "modernc.org/sqlite"
)

// Fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var _ storage.Archive = (*SQLiteArchive)(nil)

// SQLiteArchive implements storage.Archive backed by a SQLite database.
type SQLiteArchive struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteArchive, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and the
	// foreign_keys pragma is per connection too.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteArchive{db: db, now: time.Now}, nil
}

func (a *SQLiteArchive) SaveSession(ctx context.Context, sess *session.Session) error {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, host_name, status, language, code, max_participants,
		                      participants, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, host_name = excluded.host_name, status = excluded.status,
			language = excluded.language, code = excluded.code,
			max_participants = excluded.max_participants, participants = excluded.participants,
			updated_at = excluded.updated_at, archived_at = excluded.archived_at`,
		sess.ID, sess.Name, sess.HostName, string(sess.Status), sess.Language, sess.Code,
		sess.MaxParticipants, string(participants),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), formatTime(a.now()),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	// The snapshot carries the whole retained history, so replace it.
	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clearing executions: %w", err)
	}
	for i, e := range sess.Executions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO executions (id, session_id, seq, language, stdout, stderr, exit_code,
			                        duration_ms, error, executed_by, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, sess.ID, i, e.Language, e.Stdout, e.Stderr, e.ExitCode,
			e.DurationMs, e.Error, e.ExecutedBy, formatTime(e.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("inserting execution %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

const sessionColumns = `id, name, host_name, status, language, code, max_participants,
	participants, created_at, updated_at, archived_at`

func (a *SQLiteArchive) GetSession(ctx context.Context, id string) (*storage.Record, error) {
	rec, err := a.getExact(ctx, id)
	if err == nil {
		return rec, a.loadExecutions(ctx, rec.Session)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	var matches []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matches = append(matches, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], a.loadExecutions(ctx, matches[0].Session)
	default:
		return nil, fmt.Errorf("%w: %q matches %d sessions", storage.ErrAmbiguous, id, len(matches))
	}
}

func (a *SQLiteArchive) getExact(ctx context.Context, id string) (*storage.Record, error) {
	row := a.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return rec, err
}

func (a *SQLiteArchive) loadExecutions(ctx context.Context, sess *session.Session) error {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, language, stdout, stderr, exit_code, duration_ms, error, executed_by, executed_at
		FROM executions WHERE session_id = ? ORDER BY seq`, sess.ID)
	if err != nil {
		return fmt.Errorf("loading executions: %w", err)
	}
	defer rows.Close()

	sess.Executions = []session.ExecutionResult{}
	for rows.Next() {
		e := session.ExecutionResult{SessionID: sess.ID}
		var executedAt string
		if err := rows.Scan(&e.ID, &e.Language, &e.Stdout, &e.Stderr, &e.ExitCode,
			&e.DurationMs, &e.Error, &e.ExecutedBy, &executedAt); err != nil {
			return err
		}
		e.Timestamp = parseTime(executedAt)
		sess.Executions = append(sess.Executions, e)
	}
	return rows.Err()
}

func (a *SQLiteArchive) ListSessions(ctx context.Context, opts storage.ListOptions) ([]storage.Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT s.id, s.name, s.host_name, s.status, s.language,
		       json_array_length(s.participants),
		       (SELECT COUNT(*) FROM executions e WHERE e.session_id = s.id),
		       s.created_at, s.updated_at, s.archived_at
		FROM sessions s`
	var args []any

	if opts.Status != "" {
		query += ` WHERE s.status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY s.updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []storage.Summary
	for rows.Next() {
		var s storage.Summary
		var status, createdAt, updatedAt, archivedAt string
		if err := rows.Scan(&s.ID, &s.Name, &s.HostName, &status, &s.Language,
			&s.Participants, &s.Executions, &createdAt, &updatedAt, &archivedAt); err != nil {
			return nil, err
		}
		s.Status = session.Status(status)
		s.CreatedAt = parseTime(createdAt)
		s.UpdatedAt = parseTime(updatedAt)
		s.ArchivedAt = parseTime(archivedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (a *SQLiteArchive) DeleteSession(ctx context.Context, id string) error {
	rec, err := a.GetSession(ctx, id)
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE session_id = ?`, rec.Session.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, rec.Session.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.Record, error) {
	sess := &session.Session{}
	var status, participants, createdAt, updatedAt, archivedAt string
	err := s.Scan(&sess.ID, &sess.Name, &sess.HostName, &status, &sess.Language, &sess.Code,
		&sess.MaxParticipants, &participants, &createdAt, &updatedAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(participants), &sess.Participants); err != nil {
		return nil, fmt.Errorf("unmarshaling participants: %w", err)
	}
	return &storage.Record{Session: sess, ArchivedAt: parseTime(archivedAt)}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
