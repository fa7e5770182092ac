package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/michaelbrown/codepair/internal/session"
)

// Inbound message types.
const (
	TypeJoinSession    = "join_session"
	TypeCodeUpdate     = "code_update"
	TypeLanguageChange = "language_change"
	TypeExecuteCode    = "execute_code"
	TypeLeaveSession   = "leave_session"
)

// Outbound message types. code_update and language_change are relayed
// under their inbound names.
const (
	TypeSessionState    = "session_state"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeExecutionResult = "execution_result"
	TypeSessionEnded    = "session_ended"
	TypeError           = "error"
)

const (
	maxClientIDLength    = 100
	maxDisplayNameLength = 50
	maxStdinLength       = 10000
	defaultDisplayName   = "Anonymous"

	// One character of a JSON string takes at most 12 bytes on the wire,
	// an escaped surrogate pair.
	maxEncodedRuneBytes = 12
	frameOverhead       = 4096
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is an outbound message. The channel stamps it when it is sent.
type Message struct {
	Type string
	Data any
}

// Inbound is one decoded client message. The set of implementations is
// closed: JoinSession, CodeUpdate, LanguageChange, ExecuteCode and
// LeaveSession.
type Inbound interface {
	inboundType() string
}

type JoinSession struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type CodeUpdate struct {
	ClientID       string          `json:"client_id,omitempty"`
	Code           string          `json:"code"`
	Language       string          `json:"language"`
	CursorPosition *CursorPosition `json:"cursor_position,omitempty"`
}

type LanguageChange struct {
	ClientID string `json:"client_id,omitempty"`
	Language string `json:"language"`
}

type ExecuteCode struct {
	ClientID string `json:"client_id,omitempty"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
}

type LeaveSession struct {
	ClientID string `json:"client_id,omitempty"`
}

func (JoinSession) inboundType() string    { return TypeJoinSession }
func (CodeUpdate) inboundType() string     { return TypeCodeUpdate }
func (LanguageChange) inboundType() string { return TypeLanguageChange }
func (ExecuteCode) inboundType() string    { return TypeExecuteCode }
func (LeaveSession) inboundType() string   { return TypeLeaveSession }

// Decoder parses and validates inbound frames.
type Decoder struct {
	MaxCodeSize int
	// KnownLanguage reports whether the editor offers a language. Nil
	// accepts any non-empty language.
	KnownLanguage func(string) bool
}

// FrameLimit is the smallest inbound frame size that admits every message
// Decode accepts: an execute_code with the largest code and stdin, fully
// escaped. Zero when code size is unbounded.
func (d Decoder) FrameLimit() int64 {
	if d.MaxCodeSize <= 0 {
		return 0
	}
	return int64(d.MaxCodeSize+maxStdinLength)*maxEncodedRuneBytes + frameOverhead
}

type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode returns the message in raw, a *ProtocolError for malformed or
// unknown frames, or a *ValidationError naming the offending field. When
// the envelope has no data object the payload fields are read from the
// envelope itself.
func (d Decoder) Decode(raw []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidJSON, Message: "Invalid JSON format"}
	}
	data := []byte(env.Data)
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = raw
	}

	switch env.Type {
	case TypeJoinSession:
		var m JoinSession
		if err := decodeData(data, &m); err != nil {
			return nil, err
		}
		if err := d.validateJoin(&m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeCodeUpdate:
		var m CodeUpdate
		if err := decodeData(data, &m); err != nil {
			return nil, err
		}
		m.Language = normalizeLanguage(m.Language)
		if err := d.validateCode(m.Code, false); err != nil {
			return nil, err
		}
		if err := d.validateLanguage(m.Language); err != nil {
			return nil, err
		}
		return m, nil
	case TypeLanguageChange:
		var m LanguageChange
		if err := decodeData(data, &m); err != nil {
			return nil, err
		}
		m.Language = normalizeLanguage(m.Language)
		if err := d.validateLanguage(m.Language); err != nil {
			return nil, err
		}
		return m, nil
	case TypeExecuteCode:
		var m ExecuteCode
		if err := decodeData(data, &m); err != nil {
			return nil, err
		}
		m.Language = normalizeLanguage(m.Language)
		if err := d.validateCode(m.Code, true); err != nil {
			return nil, err
		}
		if m.Language == "" {
			return nil, &ValidationError{Field: "language", Message: "is required"}
		}
		if utf8.RuneCountInString(m.Stdin) > maxStdinLength {
			return nil, &ValidationError{Field: "stdin", Message: fmt.Sprintf("exceeds %d characters", maxStdinLength)}
		}
		return m, nil
	case TypeLeaveSession:
		var m LeaveSession
		if err := decodeData(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "":
		return nil, &ValidationError{Field: "type", Message: "is required"}
	}
	return nil, &ProtocolError{Code: CodeUnknownMessageType, Message: fmt.Sprintf("Unknown message type: %s", env.Type)}
}

func decodeData(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Code: CodeInvalidMessage, Message: fmt.Sprintf("Invalid message data: %v", err)}
	}
	return nil
}

func normalizeLanguage(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (d Decoder) validateJoin(m *JoinSession) error {
	m.ClientID = strings.TrimSpace(m.ClientID)
	if m.ClientID == "" {
		return &ValidationError{Field: "client_id", Message: "is required"}
	}
	if len(m.ClientID) > maxClientIDLength {
		return &ValidationError{Field: "client_id", Message: fmt.Sprintf("exceeds %d characters", maxClientIDLength)}
	}
	m.DisplayName = strings.TrimSpace(m.DisplayName)
	if m.DisplayName == "" {
		m.DisplayName = defaultDisplayName
	}
	if utf8.RuneCountInString(m.DisplayName) > maxDisplayNameLength {
		return &ValidationError{Field: "display_name", Message: fmt.Sprintf("exceeds %d characters", maxDisplayNameLength)}
	}
	role, ok := session.ParseRole(m.Role)
	if !ok {
		return &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", m.Role)}
	}
	m.Role = string(role)
	return nil
}

func (d Decoder) validateCode(code string, requireContent bool) error {
	if requireContent && strings.TrimSpace(code) == "" {
		return &ValidationError{Field: "code", Message: "cannot be empty"}
	}
	if d.MaxCodeSize > 0 && utf8.RuneCountInString(code) > d.MaxCodeSize {
		return &ValidationError{Field: "code", Message: fmt.Sprintf("exceeds %d characters", d.MaxCodeSize)}
	}
	return nil
}

func (d Decoder) validateLanguage(lang string) error {
	if lang == "" {
		return &ValidationError{Field: "language", Message: "is required"}
	}
	if d.KnownLanguage != nil && !d.KnownLanguage(lang) {
		return &ValidationError{Field: "language", Message: fmt.Sprintf("unsupported language %q", lang)}
	}
	return nil
}

// ParticipantInfo is the public view of a participant.
type ParticipantInfo struct {
	ClientID    string       `json:"client_id"`
	DisplayName string       `json:"display_name"`
	Role        session.Role `json:"role"`
}

type SessionState struct {
	SessionID        string                    `json:"session_id"`
	Code             string                    `json:"code"`
	Language         string                    `json:"language"`
	Status           session.Status            `json:"status"`
	ParticipantCount int                       `json:"participant_count"`
	Participants     []ParticipantInfo         `json:"participants"`
	Executions       []session.ExecutionResult `json:"executions"`
}

type UserJoined struct {
	SessionID        string            `json:"session_id"`
	ClientID         string            `json:"client_id"`
	DisplayName      string            `json:"display_name"`
	ParticipantCount int               `json:"participant_count"`
	Participants     []ParticipantInfo `json:"participants"`
}

type UserLeft struct {
	SessionID        string `json:"session_id"`
	ClientID         string `json:"client_id"`
	DisplayName      string `json:"display_name"`
	ParticipantCount int    `json:"participant_count"`
}

type CodeUpdated struct {
	SessionID      string          `json:"session_id"`
	ClientID       string          `json:"client_id"`
	DisplayName    string          `json:"display_name"`
	Code           string          `json:"code"`
	Language       string          `json:"language"`
	CursorPosition *CursorPosition `json:"cursor_position"`
}

type LanguageChanged struct {
	SessionID   string `json:"session_id"`
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
}

type ExecutionOutcome struct {
	SessionID string                  `json:"session_id"`
	ClientID  string                  `json:"client_id"`
	Result    session.ExecutionResult `json:"result"`
}

type SessionEnded struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func participantInfos(sess *session.Session) []ParticipantInfo {
	connected := sess.ConnectedParticipants()
	out := make([]ParticipantInfo, 0, len(connected))
	for _, p := range connected {
		out = append(out, ParticipantInfo{ClientID: p.ClientID, DisplayName: p.DisplayName, Role: p.Role})
	}
	return out
}

func sessionStateMessage(sess *session.Session) Message {
	return Message{Type: TypeSessionState, Data: SessionState{
		SessionID:        sess.ID,
		Code:             sess.Code,
		Language:         sess.Language,
		Status:           sess.Status,
		ParticipantCount: sess.ParticipantCount(),
		Participants:     participantInfos(sess),
		Executions:       sess.RecentExecutions(10),
	}}
}

func errorMessage(code, message string) Message {
	return Message{Type: TypeError, Data: ErrorPayload{Code: code, Message: message}}
}

// errorMessageFor maps a decode or processing error to its wire form.
func errorMessageFor(err error) Message {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return errorMessage(protoErr.Code, protoErr.Message)
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return Message{Type: TypeError, Data: ErrorPayload{
			Code:    CodeInvalidMessage,
			Message: valErr.Error(),
			Field:   valErr.Field,
		}}
	}
	return errorMessage(CodeInternalError, "Internal server error")
}
