// Package ids generates prefixed identifiers for connections, executions
// and archive rows.
package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Connection returns a new connection handle.
func Connection() string {
	return New("conn")
}

// Execution returns a new execution result identifier.
func Execution() string {
	return New("exec")
}

// New returns a typeid with the given prefix. If generation fails it falls
// back to prefix-<unix nanos> so callers always get a usable id.
func New(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
