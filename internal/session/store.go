package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/michaelbrown/codepair/internal/logging"
)

const (
	DefaultHostName        = "Anonymous Host"
	DefaultLanguage        = "javascript"
	DefaultMaxParticipants = 5
	DefaultIDLength        = 12
	DefaultSweepWatermark  = 100
	DefaultMaxAge          = 24 * time.Hour

	maxIDAttempts = 64
)

// Templates resolves the starter code for a language.
type Templates interface {
	Template(languageID string) (string, bool)
}

// CreateParams describes a new session. Zero values take the store defaults.
type CreateParams struct {
	HostName        string
	Name            string
	Language        string
	MaxParticipants int
}

// JoinParams describes a participant joining over a connection.
type JoinParams struct {
	ClientID     string
	DisplayName  string
	Role         Role
	ConnectionID string
}

// Store holds every live session. A single lock serializes mutations so a
// field update and its updated_at refresh are always seen together.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	templates Templates
	logger    *log.Logger
	now       func() time.Time
	newID     IDGenerator
	idLength  int
	maxAge    time.Duration
	watermark int
	onEvict   func(*Session)
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(gen IDGenerator) Option {
	return func(s *Store) { s.newID = gen }
}

func WithIDLength(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.idLength = n
		}
	}
}

// WithSweep sets the idle age after which finished sessions are purged and
// the store size a sweep waits for before doing any work.
func WithSweep(maxAge time.Duration, watermark int) Option {
	return func(s *Store) {
		if maxAge > 0 {
			s.maxAge = maxAge
		}
		if watermark > 0 {
			s.watermark = watermark
		}
	}
}

// WithEvictHook registers a callback that receives a copy of every session
// removed by a sweep. It runs outside the store lock.
func WithEvictHook(fn func(*Session)) Option {
	return func(s *Store) { s.onEvict = fn }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logging.Component(logger, "sessions") }
}

// NewStore creates an empty store.
func NewStore(templates Templates, opts ...Option) *Store {
	s := &Store{
		sessions:  make(map[string]*Session),
		templates: templates,
		logger:    logging.Component(nil, "sessions"),
		now:       time.Now,
		newID:     RandomID,
		idLength:  DefaultIDLength,
		maxAge:    DefaultMaxAge,
		watermark: DefaultSweepWatermark,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new session seeded with the language's starter code.
func (s *Store) Create(p CreateParams) (*Session, error) {
	if strings.TrimSpace(p.HostName) == "" {
		p.HostName = DefaultHostName
	}
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	p.Language = strings.ToLower(p.Language)
	if p.MaxParticipants <= 0 {
		p.MaxParticipants = DefaultMaxParticipants
	}

	code, ok := s.templates.Template(p.Language)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, p.Language)
	}

	s.mu.Lock()
	id, err := s.uniqueIDLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := s.now().UTC()
	sess := &Session{
		ID:              id,
		CreatedAt:       now,
		UpdatedAt:       now,
		HostName:        p.HostName,
		Name:            p.Name,
		Status:          StatusActive,
		Code:            code,
		Language:        p.Language,
		Participants:    []Participant{},
		Executions:      []ExecutionResult{},
		MaxParticipants: p.MaxParticipants,
	}
	s.sessions[id] = sess
	out := sess.clone()
	size := len(s.sessions)
	s.mu.Unlock()

	s.logger.Info("session created", "session", id, "language", p.Language, "host", p.HostName)

	if size >= s.watermark {
		s.SweepExpired(s.maxAge)
	}
	return out, nil
}

func (s *Store) uniqueIDLocked() (string, error) {
	for range maxIDAttempts {
		id, err := s.newID(s.idLength)
		if err != nil {
			return "", fmt.Errorf("generating session id: %w", err)
		}
		if _, taken := s.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.clone(), nil
}

// List returns copies of the sessions matching status (empty for all),
// newest first. A limit of zero or less returns everything.
func (s *Store) List(status Status, limit int) []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, sess.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of sessions held, in any status.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// UpdateCode replaces the document and its language together.
func (s *Store) UpdateCode(id, code, language string) error {
	return s.mutate(id, func(sess *Session) error {
		sess.Code = code
		if language != "" {
			sess.Language = language
		}
		return nil
	})
}

func (s *Store) SetLanguage(id, language string) error {
	return s.mutate(id, func(sess *Session) error {
		sess.Language = language
		return nil
	})
}

// AddParticipant adds or replaces the record for p.ClientID. A client that
// already has a record may always rejoin; a new client is refused with
// ErrFull once the connected count reaches capacity.
func (s *Store) AddParticipant(id string, p JoinParams) (Participant, error) {
	if p.Role == "" {
		p.Role = RoleParticipant
	}
	var joined Participant
	err := s.mutate(id, func(sess *Session) error {
		idx := -1
		for i := range sess.Participants {
			if sess.Participants[i].ClientID == p.ClientID {
				idx = i
				break
			}
		}
		if idx < 0 && sess.ParticipantCount() >= sess.MaxParticipants {
			return fmt.Errorf("%w: %s", ErrFull, id)
		}

		joined = Participant{
			ClientID:     p.ClientID,
			DisplayName:  p.DisplayName,
			Role:         p.Role,
			JoinedAt:     s.now().UTC(),
			ConnectionID: p.ConnectionID,
			Connected:    true,
		}
		if idx >= 0 {
			sess.Participants[idx] = joined
		} else {
			sess.Participants = append(sess.Participants, joined)
		}
		return nil
	})
	if err != nil {
		return Participant{}, err
	}
	return joined, nil
}

// RemoveParticipant marks the client disconnected. An unknown client is not
// an error.
func (s *Store) RemoveParticipant(id, clientID string) error {
	_, err := s.DetachParticipant(id, clientID, "")
	return err
}

// DetachParticipant marks the client disconnected if its record is still
// bound to connID (any binding when connID is empty). It reports whether a
// connected record was changed.
func (s *Store) DetachParticipant(id, clientID, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for i := range sess.Participants {
		p := &sess.Participants[i]
		if p.ClientID != clientID {
			continue
		}
		if !p.Connected || (connID != "" && p.ConnectionID != connID) {
			return false, nil
		}
		p.Connected = false
		p.ConnectionID = ""
		s.touch(sess)
		return true, nil
	}
	return false, nil
}

// AppendExecution records a result, dropping the oldest once HistoryLimit
// is reached.
func (s *Store) AppendExecution(id string, r ExecutionResult) error {
	return s.mutate(id, func(sess *Session) error {
		sess.Executions = append(sess.Executions, r)
		if over := len(sess.Executions) - HistoryLimit; over > 0 {
			sess.Executions = append([]ExecutionResult(nil), sess.Executions[over:]...)
		}
		return nil
	})
}

// End marks the session completed and returns its final state. Ending a
// session that is already finished changes nothing.
func (s *Store) End(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sess.Status == StatusActive {
		sess.Status = StatusCompleted
		s.touch(sess)
		s.logger.Info("session ended", "session", id)
	}
	return sess.clone(), nil
}

// SweepExpired purges sessions that are not active and have been idle
// longer than maxAge. It does nothing while the store holds fewer sessions
// than the watermark. It returns the number purged.
func (s *Store) SweepExpired(maxAge time.Duration) int {
	s.mu.Lock()
	if len(s.sessions) < s.watermark {
		s.mu.Unlock()
		return 0
	}
	cutoff := s.now().Add(-maxAge)
	var evicted []*Session
	for id, sess := range s.sessions {
		if sess.Status == StatusActive || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, sess)
	}
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.Info("swept expired sessions", "count", len(evicted))
	}
	if s.onEvict != nil {
		for _, sess := range evicted {
			s.onEvict(sess)
		}
	}
	return len(evicted)
}

func (s *Store) mutate(id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(sess); err != nil {
		return err
	}
	s.touch(sess)
	return nil
}

// touch refreshes UpdatedAt, keeping it strictly increasing even when the
// clock does not advance between two mutations.
func (s *Store) touch(sess *Session) {
	now := s.now().UTC()
	if !now.After(sess.UpdatedAt) {
		now = sess.UpdatedAt.Add(time.Nanosecond)
	}
	sess.UpdatedAt = now
}
