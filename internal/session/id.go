package session

import (
	"crypto/rand"
	"fmt"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// IDGenerator returns a random identifier of length n.
type IDGenerator func(n int) (string, error)

// RandomID draws n characters from [a-z0-9] using crypto/rand. Bytes at or
// above the largest multiple of the alphabet size are rejected so every
// character is equally likely.
func RandomID(n int) (string, error) {
	const limit = 256 - 256%len(idAlphabet)

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
