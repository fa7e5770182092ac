// Package storage archives finished sessions. The archive is a record of
// what happened in a session; live state is never restored from it.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/codepair/internal/session"
)

var (
	ErrNotFound  = errors.New("archived session not found")
	ErrAmbiguous = errors.New("ambiguous session id prefix")
)

// Record is one archived session with its full execution history.
type Record struct {
	Session    *session.Session `json:"session"`
	ArchivedAt time.Time        `json:"archived_at"`
}

// Summary is the list view of an archived session.
type Summary struct {
	ID           string         `json:"session_id"`
	Name         string         `json:"session_name,omitempty"`
	HostName     string         `json:"host_name"`
	Status       session.Status `json:"status"`
	Language     string         `json:"language"`
	Participants int            `json:"participants"`
	Executions   int            `json:"executions"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ArchivedAt   time.Time      `json:"archived_at"`
}

// ListOptions controls filtering and pagination for ListSessions.
type ListOptions struct {
	Status session.Status
	Limit  int
	Offset int
}

// Archive is the persistence interface for finished sessions.
type Archive interface {
	// SaveSession writes a snapshot of sess, replacing any earlier snapshot
	// of the same session.
	SaveSession(ctx context.Context, sess *session.Session) error

	// GetSession returns a session by ID or unique ID prefix.
	GetSession(ctx context.Context, id string) (*Record, error)

	// ListSessions returns sessions ordered by updated_at descending.
	ListSessions(ctx context.Context, opts ListOptions) ([]Summary, error)

	// DeleteSession removes a session and its executions.
	DeleteSession(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
