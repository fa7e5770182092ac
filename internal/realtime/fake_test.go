package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeChannel is an in-memory Channel. Inbound frames are queued with push;
// outbound messages are recorded.
type fakeChannel struct {
	id    string
	inbox chan []byte
	done  chan struct{}

	mu       sync.Mutex
	sent     []Message
	failSend bool
	closes   int
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, inbox: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("broken pipe")
	}
	if f.closes > 0 {
		return ErrChannelClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) Receive() ([]byte, error) {
	select {
	case raw := <-f.inbox:
		return raw, nil
	case <-f.done:
		return nil, ErrChannelClosed
	}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closes == 1 {
		close(f.done)
	}
	return nil
}

func (f *fakeChannel) push(raw string) {
	f.inbox <- []byte(raw)
}

func (f *fakeChannel) setFailSend(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = v
}

func (f *fakeChannel) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes > 0
}

func (f *fakeChannel) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *fakeChannel) ofType(typ string) []Message {
	var out []Message
	for _, m := range f.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
