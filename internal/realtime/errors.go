package realtime

import (
	"errors"
	"fmt"
)

// Error codes carried by outbound error messages.
const (
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionFull        = "SESSION_FULL"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeJoinFailed         = "JOIN_FAILED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeExecutionFailed    = "EXECUTION_FAILED"
	CodeInternalError      = "INTERNAL_ERROR"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrSendQueueFull = errors.New("send queue full")
	ErrRateLimited   = errors.New("execution rate limit exceeded")
)

// ProtocolError is a message the engine could not accept.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError rejects one field of an inbound message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
