package realtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/michaelbrown/codepair/internal/ids"
	"github.com/michaelbrown/codepair/internal/logging"
	"github.com/michaelbrown/codepair/internal/ratelimit"
	"github.com/michaelbrown/codepair/internal/sandbox"
	"github.com/michaelbrown/codepair/internal/session"
)

const unknownDisplayName = "Unknown"

// Engine runs the message loop of every connection. It is the only
// component that touches both the session store and the registry.
type Engine struct {
	store    *session.Store
	registry *Registry
	limiter  *ratelimit.Limiter
	sandbox  sandbox.Sandbox
	decoder  Decoder
	logger   *log.Logger
	now      func() time.Time

	// Edits to one session are applied and fanned out under that session's
	// lock so every recipient sees them in the order the store applied them.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	Store    *session.Store
	Registry *Registry
	Limiter  *ratelimit.Limiter
	Sandbox  sandbox.Sandbox
	Decoder  Decoder
	Logger   *log.Logger
}

func NewEngine(d Deps) *Engine {
	return &Engine{
		store:    d.Store,
		registry: d.Registry,
		limiter:  d.Limiter,
		sandbox:  d.Sandbox,
		decoder:  d.Decoder,
		logger:   logging.Component(d.Logger, "engine"),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Serve runs ch's connection until the client leaves, the channel fails, or
// an internal fault occurs. A connection to an unknown session gets one
// error message and is closed without being bound.
func (e *Engine) Serve(ctx context.Context, ch Channel, sessionID string) {
	if _, err := e.store.Get(sessionID); err != nil {
		_ = ch.Send(errorMessage(CodeSessionNotFound, fmt.Sprintf("Session %s not found", sessionID)))
		ch.Close()
		return
	}

	e.registry.Bind(ch, sessionID, "")
	c := &connection{engine: e, ch: ch, sessionID: sessionID,
		logger: e.logger.With("session", sessionID, "conn", ch.ID())}
	defer c.cleanup()

	c.logger.Debug("connected")
	for {
		raw, err := ch.Receive()
		if err != nil {
			if IsNormalClose(err) {
				c.logger.Debug("peer closed")
			} else {
				c.logger.Debug("receive ended", "err", err)
			}
			return
		}
		if stop := c.handle(ctx, raw); stop {
			return
		}
	}
}

// Execute admits, runs and records one execution for a session, then
// broadcasts the result to every channel of the session. It returns
// ErrRateLimited when the session is over its per-minute ceiling.
func (e *Engine) Execute(ctx context.Context, sessionID, clientID string, req sandbox.Request) (session.ExecutionResult, error) {
	if _, err := e.store.Get(sessionID); err != nil {
		return session.ExecutionResult{}, err
	}
	if !e.limiter.Admit(sessionID) {
		return session.ExecutionResult{}, ErrRateLimited
	}

	// An execution outlives the request that started it.
	res := e.sandbox.Execute(context.WithoutCancel(ctx), req)
	result := session.ExecutionResult{
		ID:         ids.Execution(),
		SessionID:  sessionID,
		Language:   req.Language,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.DurationMs,
		Error:      res.Error,
		Timestamp:  e.now().UTC(),
		ExecutedBy: clientID,
	}
	e.logger.Info("executed", "session", sessionID, "client", clientID, "language", req.Language,
		"exit_code", res.ExitCode, "duration_ms", res.DurationMs)

	if err := e.store.AppendExecution(sessionID, result); err != nil {
		return result, err
	}
	e.registry.Broadcast(sessionID, Message{Type: TypeExecutionResult, Data: ExecutionOutcome{
		SessionID: sessionID,
		ClientID:  clientID,
		Result:    result,
	}}, nil)
	return result, nil
}

// EndSession completes a session, tells every connected client and closes
// their channels.
func (e *Engine) EndSession(sessionID, reason string) (*session.Session, error) {
	sess, err := e.store.End(sessionID)
	if err != nil {
		return nil, err
	}
	n := e.registry.CloseSession(sessionID, Message{Type: TypeSessionEnded, Data: SessionEnded{
		SessionID: sessionID,
		Reason:    reason,
	}})
	e.logger.Info("session closed", "session", sessionID, "connections", n)
	return sess, nil
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[sessionID] = mu
	}
	return mu
}

// Forget drops the per-session state the engine keeps for a session that
// has left the store.
func (e *Engine) Forget(sessionID string) {
	e.locksMu.Lock()
	delete(e.locks, sessionID)
	e.locksMu.Unlock()
}

// RateLimit returns the per-minute execution ceiling.
func (e *Engine) RateLimit() int {
	return e.limiter.Limit()
}

// connection is the state of one connection loop. Only its own goroutine
// touches it.
type connection struct {
	engine    *Engine
	ch        Channel
	sessionID string
	logger    *log.Logger

	clientID    string
	displayName string

	cleanupOnce sync.Once
}

func (c *connection) handle(ctx context.Context, raw []byte) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in message handler", "panic", r, "stack", string(debug.Stack()))
			c.send(errorMessage(CodeInternalError, "Internal server error"))
			stop = true
		}
	}()

	msg, err := c.engine.decoder.Decode(raw)
	if err != nil {
		c.logger.Debug("rejected message", "err", err)
		c.send(errorMessageFor(err))
		return false
	}

	switch m := msg.(type) {
	case JoinSession:
		c.join(m)
	case CodeUpdate:
		c.codeUpdate(m)
	case LanguageChange:
		c.languageChange(m)
	case ExecuteCode:
		c.execute(ctx, m)
	case LeaveSession:
		c.logger.Debug("client left", "client", c.clientID)
		return true
	default:
		c.send(errorMessage(CodeUnknownMessageType, fmt.Sprintf("Unknown message type: %T", msg)))
	}
	return false
}

func (c *connection) join(m JoinSession) {
	e := c.engine

	// The same channel switching identity gives up the old one first.
	if c.clientID != "" && c.clientID != m.ClientID {
		c.leave()
	}

	role, _ := session.ParseRole(m.Role)
	_, err := e.store.AddParticipant(c.sessionID, session.JoinParams{
		ClientID:     m.ClientID,
		DisplayName:  m.DisplayName,
		Role:         role,
		ConnectionID: c.ch.ID(),
	})
	switch {
	case errors.Is(err, session.ErrFull):
		c.send(errorMessage(CodeSessionFull, "Session is full"))
		return
	case errors.Is(err, session.ErrNotFound):
		c.send(errorMessage(CodeSessionNotFound, fmt.Sprintf("Session %s not found", c.sessionID)))
		return
	case err != nil:
		c.logger.Error("join failed", "client", m.ClientID, "err", err)
		c.send(errorMessage(CodeJoinFailed, "Failed to join session"))
		return
	}

	c.clientID = m.ClientID
	c.displayName = m.DisplayName
	e.registry.SetClient(c.ch, m.ClientID)
	c.logger.Info("participant joined", "client", m.ClientID, "name", m.DisplayName)

	sess, err := e.store.Get(c.sessionID)
	if err != nil {
		c.send(errorMessage(CodeSessionNotFound, fmt.Sprintf("Session %s not found", c.sessionID)))
		return
	}
	c.send(sessionStateMessage(sess))
	e.registry.Broadcast(c.sessionID, Message{Type: TypeUserJoined, Data: UserJoined{
		SessionID:        c.sessionID,
		ClientID:         m.ClientID,
		DisplayName:      m.DisplayName,
		ParticipantCount: sess.ParticipantCount(),
		Participants:     participantInfos(sess),
	}}, c.ch)
}

func (c *connection) codeUpdate(m CodeUpdate) {
	e := c.engine
	mu := e.sessionLock(c.sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.store.UpdateCode(c.sessionID, m.Code, m.Language); err != nil {
		c.sendStoreError(err)
		return
	}
	e.registry.Broadcast(c.sessionID, Message{Type: TypeCodeUpdate, Data: CodeUpdated{
		SessionID:      c.sessionID,
		ClientID:       c.sender(m.ClientID),
		DisplayName:    c.name(),
		Code:           m.Code,
		Language:       m.Language,
		CursorPosition: m.CursorPosition,
	}}, c.ch)
}

func (c *connection) languageChange(m LanguageChange) {
	e := c.engine
	mu := e.sessionLock(c.sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.store.SetLanguage(c.sessionID, m.Language); err != nil {
		c.sendStoreError(err)
		return
	}
	e.registry.Broadcast(c.sessionID, Message{Type: TypeLanguageChange, Data: LanguageChanged{
		SessionID:   c.sessionID,
		ClientID:    c.sender(m.ClientID),
		DisplayName: c.name(),
		Language:    m.Language,
	}}, c.ch)
}

func (c *connection) execute(ctx context.Context, m ExecuteCode) {
	e := c.engine
	_, err := e.Execute(ctx, c.sessionID, c.sender(m.ClientID), sandbox.Request{
		Code:     m.Code,
		Language: m.Language,
		Stdin:    m.Stdin,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		c.send(errorMessage(CodeRateLimitExceeded,
			fmt.Sprintf("Rate limit exceeded: %d executions per minute", e.RateLimit())))
	case errors.Is(err, session.ErrNotFound):
		c.send(errorMessage(CodeExecutionFailed, "Session no longer exists"))
	default:
		c.logger.Error("execution failed", "err", err)
		c.send(errorMessage(CodeExecutionFailed, "Failed to execute code"))
	}
}

func (c *connection) sendStoreError(err error) {
	if errors.Is(err, session.ErrNotFound) {
		c.send(errorMessage(CodeSessionNotFound, fmt.Sprintf("Session %s not found", c.sessionID)))
		return
	}
	c.logger.Error("store update failed", "err", err)
	c.send(errorMessage(CodeInternalError, "Internal server error"))
}

// sender is the client id to attribute a message to: the joined identity,
// or the id the message itself claims before a join.
func (c *connection) sender(claimed string) string {
	if c.clientID != "" {
		return c.clientID
	}
	return claimed
}

func (c *connection) name() string {
	if c.displayName != "" {
		return c.displayName
	}
	return unknownDisplayName
}

func (c *connection) send(msg Message) {
	if err := c.engine.registry.Send(c.ch, msg); err != nil {
		c.logger.Debug("send failed", "type", msg.Type, "err", err)
	}
}

// leave marks the current identity disconnected and tells the others.
func (c *connection) leave() {
	e := c.engine
	changed, err := e.store.DetachParticipant(c.sessionID, c.clientID, c.ch.ID())
	if err != nil || !changed {
		return
	}
	count := 0
	if sess, err := e.store.Get(c.sessionID); err == nil {
		count = sess.ParticipantCount()
	}
	c.logger.Info("participant left", "client", c.clientID)
	e.registry.Broadcast(c.sessionID, Message{Type: TypeUserLeft, Data: UserLeft{
		SessionID:        c.sessionID,
		ClientID:         c.clientID,
		DisplayName:      c.name(),
		ParticipantCount: count,
	}}, c.ch)
}

// cleanup runs once per connection however the loop ended.
func (c *connection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.engine.registry.Unbind(c.ch)
		c.ch.Close()
		if c.clientID != "" {
			c.leave()
		}
		c.logger.Debug("disconnected", "client", c.clientID)
	})
}
