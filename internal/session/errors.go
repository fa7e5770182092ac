package session

import "errors"

var (
	ErrNotFound            = errors.New("session not found")
	ErrFull                = errors.New("session is full")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrIDExhausted         = errors.New("could not generate a unique session id")
)
