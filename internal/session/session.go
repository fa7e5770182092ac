// Package session is the authoritative in-memory registry of interview
// sessions: their shared code, language, participants and execution history.
package session

import (
	"encoding/json"
	"time"
)

// HistoryLimit is the number of execution results a session keeps.
const HistoryLimit = 50

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// ParseStatus accepts the status names plus "" and "all", which both mean
// no filter.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusCompleted, StatusArchived:
		return Status(s), true
	case "", "all":
		return "", true
	}
	return "", false
}

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleViewer      Role = "viewer"
)

// ParseRole maps a wire role to a Role. Empty means participant.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleHost, RoleParticipant, RoleViewer:
		return Role(s), true
	case "":
		return RoleParticipant, true
	}
	return "", false
}

// Participant is one client's membership in a session. Records are never
// removed; a disconnect only clears Connected.
type Participant struct {
	ClientID     string    `json:"client_id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Connected    bool      `json:"connected"`
}

// ExecutionResult is one finished run of session code.
type ExecutionResult struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Language   string    `json:"language"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ExecutedBy string    `json:"executed_by,omitempty"`
}

func (r ExecutionResult) Success() bool {
	return r.ExitCode == 0 && r.Error == ""
}

func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type plain ExecutionResult
	return json.Marshal(struct {
		plain
		Success bool `json:"success"`
	}{plain(r), r.Success()})
}

// Session is a snapshot of one interview room. Values handed out by the
// Store are copies; mutating them has no effect on the Store.
type Session struct {
	ID              string            `json:"session_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	HostName        string            `json:"host_name"`
	Name            string            `json:"session_name,omitempty"`
	Status          Status            `json:"status"`
	Code            string            `json:"code"`
	Language        string            `json:"language"`
	Participants    []Participant     `json:"participants"`
	Executions      []ExecutionResult `json:"executions"`
	MaxParticipants int               `json:"max_participants"`
}

// ParticipantCount counts connected participants only.
func (s *Session) ParticipantCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Connected {
			n++
		}
	}
	return n
}

func (s *Session) IsFull() bool {
	return s.ParticipantCount() >= s.MaxParticipants
}

// Participant returns the record for clientID.
func (s *Session) Participant(clientID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ClientID == clientID {
			return p, true
		}
	}
	return Participant{}, false
}

func (s *Session) ConnectedParticipants() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Connected {
			out = append(out, p)
		}
	}
	return out
}

// RecentExecutions returns up to n of the newest results, oldest first.
func (s *Session) RecentExecutions(n int) []ExecutionResult {
	if n <= 0 || len(s.Executions) <= n {
		return s.Executions
	}
	return s.Executions[len(s.Executions)-n:]
}

func (s *Session) MarshalJSON() ([]byte, error) {
	type plain Session
	return json.Marshal(struct {
		*plain
		ParticipantCount int  `json:"participant_count"`
		IsFull           bool `json:"is_full"`
	}{(*plain)(s), s.ParticipantCount(), s.IsFull()})
}

func (s *Session) clone() *Session {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	c.Executions = append([]ExecutionResult(nil), s.Executions...)
	return &c
}
