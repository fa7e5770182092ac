package realtime

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/michaelbrown/codepair/internal/logging"
)

type binding struct {
	ch        Channel
	sessionID string
	clientID  string
	broken    atomic.Bool
}

// Registry tracks which channels are bound to which session. It holds
// session ids only, never session state.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]*binding
	bySession map[string]map[string]*binding
	logger    *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		byChannel: make(map[string]*binding),
		bySession: make(map[string]map[string]*binding),
		logger:    logging.Component(logger, "registry"),
	}
}

// Bind registers ch under sessionID and returns its connection handle. A
// channel that is already bound is moved.
func (r *Registry) Bind(ch Channel, sessionID, clientID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(ch.ID())
	b := &binding{ch: ch, sessionID: sessionID, clientID: clientID}
	r.byChannel[ch.ID()] = b
	members, ok := r.bySession[sessionID]
	if !ok {
		members = make(map[string]*binding)
		r.bySession[sessionID] = members
	}
	members[ch.ID()] = b
	return ch.ID()
}

// Unbind removes ch and returns what it was bound to. ok is false if the
// channel was not bound.
func (r *Registry) Unbind(ch Channel) (sessionID, clientID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.removeLocked(ch.ID())
	if b == nil {
		return "", "", false
	}
	return b.sessionID, b.clientID, true
}

func (r *Registry) removeLocked(id string) *binding {
	b, ok := r.byChannel[id]
	if !ok {
		return nil
	}
	delete(r.byChannel, id)
	if members := r.bySession[b.sessionID]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(r.bySession, b.sessionID)
		}
	}
	return b
}

// SetClient records the client identity behind a bound channel.
func (r *Registry) SetClient(ch Channel, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byChannel[ch.ID()]
	if ok {
		b.clientID = clientID
	}
	return ok
}

// Lookup returns the binding of ch.
func (r *Registry) Lookup(ch Channel) (sessionID, clientID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byChannel[ch.ID()]
	if !ok {
		return "", "", false
	}
	return b.sessionID, b.clientID, true
}

// Broadcast sends msg to every healthy channel bound to sessionID except
// exclude (which may be nil). Membership is snapshotted when the call
// starts. A failed send does not stop delivery to the rest; the failing
// channel is marked broken and closed, which ends its connection loop and
// runs that connection's cleanup. Returns the number of successful sends.
func (r *Registry) Broadcast(sessionID string, msg Message, exclude Channel) int {
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID()
	}

	sent := 0
	for _, b := range r.snapshot(sessionID) {
		if b.ch.ID() == excludeID {
			continue
		}
		if err := b.ch.Send(msg); err != nil {
			r.fail(b, msg.Type, err)
			continue
		}
		sent++
	}
	return sent
}

// Send delivers msg to one bound channel, with the same failure handling
// as Broadcast.
func (r *Registry) Send(ch Channel, msg Message) error {
	r.mu.RLock()
	b := r.byChannel[ch.ID()]
	r.mu.RUnlock()

	err := ch.Send(msg)
	if err != nil && b != nil {
		r.fail(b, msg.Type, err)
	}
	return err
}

// CloseSession sends msg to every channel of the session and closes them.
// The connections' own cleanup unbinds them.
func (r *Registry) CloseSession(sessionID string, msg Message) int {
	members := r.snapshot(sessionID)
	for _, b := range members {
		if err := b.ch.Send(msg); err != nil {
			r.logger.Debug("final send failed", "session", sessionID, "conn", b.ch.ID(), "err", err)
		}
		b.broken.Store(true)
		b.ch.Close()
	}
	return len(members)
}

// Count returns the number of healthy channels bound to sessionID.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.bySession[sessionID] {
		if !b.broken.Load() {
			n++
		}
	}
	return n
}

// Total returns the number of bound channels across all sessions.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// Sessions lists the ids of sessions with at least one bound channel.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.bySession))
	for id := range r.bySession {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) snapshot(sessionID string) []*binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.bySession[sessionID]
	out := make([]*binding, 0, len(members))
	for _, b := range members {
		if !b.broken.Load() {
			out = append(out, b)
		}
	}
	return out
}

func (r *Registry) fail(b *binding, msgType string, err error) {
	if !b.broken.CompareAndSwap(false, true) {
		return
	}
	r.mu.RLock()
	clientID := b.clientID
	r.mu.RUnlock()
	r.logger.Warn("send failed, closing channel",
		"session", b.sessionID, "client", clientID, "conn", b.ch.ID(), "type", msgType, "err", err)
	b.ch.Close()
}
