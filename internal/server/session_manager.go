package server

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/michaelbrown/codepair/internal/ratelimit"
	"github.com/michaelbrown/codepair/internal/realtime"
	"github.com/michaelbrown/codepair/internal/session"
	"github.com/michaelbrown/codepair/internal/storage"
)

const (
	reasonEndedByHost = "Session ended by host"
	reasonExpired     = "Session expired"
	reasonShutdown    = "Server shutting down"
)

// SessionManager owns the end of a session's life: ending it, archiving it
// and sweeping it out of memory.
type SessionManager struct {
	store    *session.Store
	engine   *realtime.Engine
	registry *realtime.Registry
	limiter  *ratelimit.Limiter
	archive  storage.Archive
	maxAge   time.Duration
	logger   *log.Logger
}

// End completes a session, notifies and disconnects its clients, and
// writes a snapshot to the archive. The session stays in memory as
// completed until a sweep evicts it. Ending an ended session is a no-op
// that returns it again.
func (sm *SessionManager) End(ctx context.Context, id string) (*session.Session, error) {
	sess, err := sm.engine.EndSession(id, reasonEndedByHost)
	if err != nil {
		return nil, err
	}
	sm.limiter.Forget(id)
	sm.save(context.WithoutCancel(ctx), sess)
	return sess, nil
}

// Sweep purges expired sessions and idle rate-limit windows.
func (sm *SessionManager) Sweep() (sessions, windows int) {
	return sm.store.SweepExpired(sm.maxAge), sm.limiter.Prune()
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (sm *SessionManager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, w := sm.Sweep(); n > 0 || w > 0 {
				sm.logger.Debug("janitor pass", "sessions", n, "rate_windows", w)
			}
		}
	}
}

// ArchiveAll writes a snapshot of every session still in memory. Returns
// the number saved.
func (sm *SessionManager) ArchiveAll(ctx context.Context) int {
	if sm.archive == nil {
		return 0
	}
	saved := 0
	for _, sess := range sm.store.List("", 0) {
		if sm.save(ctx, sess) {
			saved++
		}
	}
	return saved
}

// DisconnectAll sends session_ended to every connected client and closes
// their channels. Session state is left as it is.
func (sm *SessionManager) DisconnectAll(reason string) {
	for _, id := range sm.registry.Sessions() {
		sm.registry.CloseSession(id, realtime.Message{
			Type: realtime.TypeSessionEnded,
			Data: realtime.SessionEnded{SessionID: id, Reason: reason},
		})
	}
}

// evicted is the store's eviction hook. The session is already gone from
// the store; it only becomes archived when the archive write succeeds.
func (sm *SessionManager) evicted(sess *session.Session) {
	sm.registry.CloseSession(sess.ID, realtime.Message{
		Type: realtime.TypeSessionEnded,
		Data: realtime.SessionEnded{SessionID: sess.ID, Reason: reasonExpired},
	})
	sm.limiter.Forget(sess.ID)
	sm.engine.Forget(sess.ID)
	if sm.archive == nil {
		return
	}
	final := *sess
	final.Status = session.StatusArchived
	if sm.save(context.Background(), &final) {
		sess.Status = session.StatusArchived
	}
}

func (sm *SessionManager) save(ctx context.Context, sess *session.Session) bool {
	if sm.archive == nil {
		return false
	}
	if err := sm.archive.SaveSession(ctx, sess); err != nil {
		if !errors.Is(err, context.Canceled) {
			sm.logger.Error("archiving session failed", "session", sess.ID, "err", err)
		}
		return false
	}
	sm.logger.Debug("archived session", "session", sess.ID, "status", sess.Status)
	return true
}
