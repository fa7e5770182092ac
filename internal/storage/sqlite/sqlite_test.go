package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/michaelbrown/codepair/internal/session"
	"github.com/michaelbrown/codepair/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	a.now = func() time.Time { return base.Add(time.Hour) }
	t.Cleanup(func() { a.Close() })
	return a
}

func finished(id string, status session.Status, updated time.Time) *session.Session {
	return &session.Session{
		ID:              id,
		CreatedAt:       base,
		UpdatedAt:       updated,
		HostName:        "Host",
		Name:            "Interview " + id,
		Status:          status,
		Code:            "print(1)",
		Language:        "python",
		MaxParticipants: 5,
		Participants: []session.Participant{
			{ClientID: "a", DisplayName: "Alice", Role: session.RoleHost, JoinedAt: base},
			{ClientID: "b", DisplayName: "Bob", Role: session.RoleParticipant, JoinedAt: base.Add(time.Minute)},
		},
		Executions: []session.ExecutionResult{
			{ID: "exec_1", SessionID: id, Language: "python", Stdout: "1\n", Timestamp: base.Add(2 * time.Minute), ExecutedBy: "b"},
			{ID: "exec_2", SessionID: id, Language: "python", Stderr: "boom", ExitCode: 1, DurationMs: 40, Timestamp: base.Add(3 * time.Minute), ExecutedBy: "a"},
		},
	}
}

func TestSaveAndGetSession(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	sess := finished("abc123def456", session.StatusCompleted, base.Add(10*time.Minute))
	if err := a.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	rec, err := a.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	got := rec.Session
	if got.Name != sess.Name || got.HostName != "Host" || got.Code != "print(1)" {
		t.Errorf("session = %+v", got)
	}
	if got.Status != session.StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, session.StatusCompleted)
	}
	if !got.UpdatedAt.Equal(sess.UpdatedAt) || !got.CreatedAt.Equal(base) {
		t.Errorf("times = %v / %v", got.CreatedAt, got.UpdatedAt)
	}
	if len(got.Participants) != 2 || got.Participants[1].Role != session.RoleParticipant {
		t.Errorf("participants = %+v", got.Participants)
	}
	if len(got.Executions) != 2 {
		t.Fatalf("got %d executions, want 2", len(got.Executions))
	}
	if got.Executions[0].ID != "exec_1" || got.Executions[1].ExitCode != 1 || got.Executions[1].Stderr != "boom" {
		t.Errorf("executions = %+v", got.Executions)
	}
	if !rec.ArchivedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("archived_at = %v", rec.ArchivedAt)
	}
}

func TestSaveSessionReplacesSnapshot(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	sess := finished("s1", session.StatusCompleted, base)
	if err := a.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	sess.Status = session.StatusArchived
	sess.Executions = sess.Executions[1:]
	if err := a.SaveSession(ctx, sess); err != nil {
		t.Fatalf("second SaveSession: %v", err)
	}

	rec, err := a.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Session.Status != session.StatusArchived {
		t.Errorf("status = %q", rec.Session.Status)
	}
	if len(rec.Session.Executions) != 1 || rec.Session.Executions[0].ID != "exec_2" {
		t.Errorf("executions = %+v", rec.Session.Executions)
	}
}

func TestGetSessionByPrefix(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	if err := a.SaveSession(ctx, finished("abc12345xyz0", session.StatusCompleted, base)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	rec, err := a.GetSession(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetSession by prefix: %v", err)
	}
	if rec.Session.ID != "abc12345xyz0" {
		t.Errorf("got ID %q, want %q", rec.Session.ID, "abc12345xyz0")
	}
	if len(rec.Session.Executions) != 2 {
		t.Errorf("prefix lookup loaded %d executions, want 2", len(rec.Session.Executions))
	}
}

func TestGetSessionErrors(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	for _, id := range []string{"abc000000000", "abc111111111"} {
		if err := a.SaveSession(ctx, finished(id, session.StatusCompleted, base)); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	if _, err := a.GetSession(ctx, "abc"); !errors.Is(err, storage.ErrAmbiguous) {
		t.Errorf("ambiguous prefix: err = %v, want ErrAmbiguous", err)
	}
	if _, err := a.GetSession(ctx, "zzz"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

func TestListSessions(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	statuses := []session.Status{session.StatusCompleted, session.StatusArchived, session.StatusCompleted}
	for i, st := range statuses {
		// Sub-second offsets check that ordering is by time, not text shape.
		updated := base.Add(time.Duration(i) * 500 * time.Millisecond)
		if err := a.SaveSession(ctx, finished(fmt.Sprintf("s%d", i), st, updated)); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	tests := []struct {
		name string
		opts storage.ListOptions
		want []string
	}{
		{"all newest first", storage.ListOptions{}, []string{"s2", "s1", "s0"}},
		{"status filter", storage.ListOptions{Status: session.StatusCompleted}, []string{"s2", "s0"}},
		{"limit", storage.ListOptions{Limit: 2}, []string{"s2", "s1"}},
		{"offset", storage.ListOptions{Limit: 2, Offset: 2}, []string{"s0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.ListSessions(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sessions, want %d", len(got), len(tt.want))
			}
			for i, s := range got {
				if s.ID != tt.want[i] {
					t.Errorf("sessions[%d] = %q, want %q", i, s.ID, tt.want[i])
				}
			}
		})
	}

	got, _ := a.ListSessions(ctx, storage.ListOptions{Limit: 1})
	if got[0].Participants != 2 || got[0].Executions != 2 {
		t.Errorf("summary counts = %d participants, %d executions", got[0].Participants, got[0].Executions)
	}
}

func TestDeleteSession(t *testing.T) {
	a := testArchive(t)
	ctx := context.Background()

	if err := a.SaveSession(ctx, finished("del1", session.StatusCompleted, base)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := a.DeleteSession(ctx, "del1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := a.GetSession(ctx, "del1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE session_id = 'del1'`).Scan(&n); err != nil {
		t.Fatalf("counting executions: %v", err)
	}
	if n != 0 {
		t.Errorf("%d executions left after delete", n)
	}

	if err := a.DeleteSession(ctx, "del1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	a := testArchive(t)
	if err := runMigrations(a.db); err != nil {
		t.Fatalf("re-running migrations: %v", err)
	}
	var v int
	if err := a.db.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("version = %d, want %d", v, schemaVersion)
	}
}
