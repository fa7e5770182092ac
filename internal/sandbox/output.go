package sandbox

import (
	"sync"
	"unicode/utf8"
)

const truncationMarker = "\n... (output truncated)"

// Truncate caps s at max characters, appending a marker when it cuts.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + truncationMarker
		}
		n++
	}
	return s
}

// cappedBuffer keeps the first limit bytes written to it and silently
// drops the rest, so a chatty program never blocks on a full pipe.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	extra bool
}

func newCappedBuffer(maxChars int) *cappedBuffer {
	// Room for maxChars four-byte runes plus one more so Truncate can tell
	// the output was cut.
	return &cappedBuffer{limit: maxChars*utf8.UTFMax + utf8.UTFMax}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.extra = b.extra || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.extra = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Text returns the captured output truncated to maxChars characters.
func (b *cappedBuffer) Text(maxChars int) string {
	s := b.String()
	if b.extra && utf8.RuneCountInString(s) <= maxChars {
		// Dropped bytes mean there was more than we kept.
		return s + truncationMarker
	}
	return Truncate(s, maxChars)
}
