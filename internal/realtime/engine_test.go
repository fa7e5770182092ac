package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codepair/internal/language"
	"github.com/michaelbrown/codepair/internal/logging"
	"github.com/michaelbrown/codepair/internal/ratelimit"
	"github.com/michaelbrown/codepair/internal/sandbox"
	"github.com/michaelbrown/codepair/internal/session"
)

type stubSandbox struct {
	mu     sync.Mutex
	result sandbox.Result
	panics bool
	calls  []sandbox.Request
}

func (s *stubSandbox) Execute(_ context.Context, req sandbox.Request) sandbox.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("sandbox exploded")
	}
	s.calls = append(s.calls, req)
	return s.result
}

func (s *stubSandbox) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubSandbox) lastCall() sandbox.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return sandbox.Request{}
	}
	return s.calls[len(s.calls)-1]
}

type harness struct {
	store    *session.Store
	registry *Registry
	engine   *Engine
	sandbox  *stubSandbox
	srv      *httptest.Server
}

type harnessOptions struct {
	rateLimit int
	sandbox   sandbox.Sandbox
	storeOpts []session.Option
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.rateLimit == 0 {
		opts.rateLimit = 10
	}
	stub := &stubSandbox{result: sandbox.Result{Stdout: "hi\n", DurationMs: 12}}
	sb := opts.sandbox
	if sb == nil {
		sb = stub
	}

	catalog := language.Default()
	h := &harness{
		store:    session.NewStore(catalog, opts.storeOpts...),
		registry: NewRegistry(logging.Discard()),
		sandbox:  stub,
	}
	h.engine = NewEngine(Deps{
		Store:    h.store,
		Registry: h.registry,
		Limiter:  ratelimit.New(opts.rateLimit),
		Sandbox:  sb,
		Decoder: Decoder{
			MaxCodeSize: 100000,
			KnownLanguage: func(id string) bool {
				_, ok := catalog.Get(id)
				return ok
			},
		},
		Logger: logging.Discard(),
	})

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.engine.Serve(r.Context(), NewWSChannel(conn, ChannelOptions{ReadLimit: 1 << 20}), r.PathValue("id"))
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) createSession(t *testing.T, lang string) *session.Session {
	t.Helper()
	sess, err := h.store.Create(session.CreateParams{HostName: "Host", Language: lang})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *harness) dial(t *testing.T, sessionID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(typ string, data any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(map[string]any{"type": typ, "data": data}); err != nil {
		c.t.Fatalf("send %s: %v", typ, err)
	}
}

func (c *wsClient) sendRaw(raw string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("send raw: %v", err)
	}
}

func (c *wsClient) join(clientID, name string) SessionState {
	c.t.Helper()
	c.send(TypeJoinSession, map[string]string{"client_id": clientID, "display_name": name})
	var state SessionState
	c.expect(TypeSessionState, &state)
	return state
}

func (c *wsClient) next() frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

// expect reads the next frame and fails unless it has type typ.
func (c *wsClient) expect(typ string, into any) {
	c.t.Helper()
	f := c.next()
	if f.Type != typ {
		c.t.Fatalf("got %s %s, want %s", f.Type, f.Data, typ)
	}
	if into != nil {
		if err := json.Unmarshal(f.Data, into); err != nil {
			c.t.Fatalf("decode %s: %v", typ, err)
		}
	}
}

func (c *wsClient) expectError(code string) ErrorPayload {
	c.t.Helper()
	var p ErrorPayload
	c.expect(TypeError, &p)
	if p.Code != code {
		c.t.Fatalf("error code = %s (%s), want %s", p.Code, p.Message, code)
	}
	return p
}

// quiet proves nothing else is queued for c by provoking an error reply
// and checking it is the next frame.
func (c *wsClient) quiet() {
	c.t.Helper()
	c.sendRaw("{not json")
	c.expectError(CodeInvalidJSON)
}

func (c *wsClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		c.t.Fatal("expected the server to close the connection")
	}
}

func TestServeUnknownSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.dial(t, "doesnotexist")
	p := c.expectError(CodeSessionNotFound)
	if !strings.Contains(p.Message, "doesnotexist") {
		t.Errorf("message = %q", p.Message)
	}
	c.expectClosed()
	if h.registry.Total() != 0 {
		t.Error("unknown-session channel should not be bound")
	}
}

func TestJoinFlow(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")

	alice := h.dial(t, sess.ID)
	state := alice.join("a", "Alice")
	if state.SessionID != sess.ID || state.ParticipantCount != 1 {
		t.Errorf("state = %+v", state)
	}
	if state.Code != `print("Hello, World!")` || state.Language != "python" {
		t.Errorf("state code/lang = %q/%q", state.Code, state.Language)
	}
	if state.Status != session.StatusActive {
		t.Errorf("status = %s", state.Status)
	}

	bob := h.dial(t, sess.ID)
	state = bob.join("b", "Bob")
	if state.ParticipantCount != 2 || len(state.Participants) != 2 {
		t.Errorf("bob state = %+v", state)
	}

	var joined UserJoined
	alice.expect(TypeUserJoined, &joined)
	if joined.ClientID != "b" || joined.DisplayName != "Bob" || joined.ParticipantCount != 2 {
		t.Errorf("user_joined = %+v", joined)
	}
	// The joiner gets only its own session_state.
	bob.quiet()
}

func TestJoinSessionFull(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess, err := h.store.Create(session.CreateParams{MaxParticipants: 1})
	if err != nil {
		t.Fatal(err)
	}

	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")

	bob := h.dial(t, sess.ID)
	bob.send(TypeJoinSession, map[string]string{"client_id": "b", "display_name": "Bob"})
	bob.expectError(CodeSessionFull)

	// Alice never hears of the refused join.
	alice.quiet()
}

func TestCodeUpdateRelayedToOthers(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "javascript")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	bob := h.dial(t, sess.ID)
	bob.join("b", "Bob")
	alice.expect(TypeUserJoined, nil)

	alice.send(TypeCodeUpdate, map[string]any{
		"code":            "let x = 1;",
		"language":        "javascript",
		"cursor_position": map[string]int{"line": 1, "column": 10},
	})

	var upd CodeUpdated
	bob.expect(TypeCodeUpdate, &upd)
	if upd.Code != "let x = 1;" || upd.ClientID != "a" || upd.DisplayName != "Alice" {
		t.Errorf("code_update = %+v", upd)
	}
	if upd.CursorPosition == nil || upd.CursorPosition.Line != 1 {
		t.Errorf("cursor = %+v", upd.CursorPosition)
	}
	alice.quiet()

	got, _ := h.store.Get(sess.ID)
	if got.Code != "let x = 1;" {
		t.Errorf("stored code = %q", got.Code)
	}
}

func TestLanguageChange(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "javascript")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	bob := h.dial(t, sess.ID)
	bob.join("b", "Bob")
	alice.expect(TypeUserJoined, nil)

	bob.send(TypeLanguageChange, map[string]string{"language": "python"})
	var lc LanguageChanged
	alice.expect(TypeLanguageChange, &lc)
	if lc.Language != "python" || lc.ClientID != "b" {
		t.Errorf("language_change = %+v", lc)
	}
	bob.quiet()

	bob.send(TypeLanguageChange, map[string]string{"language": "cobol"})
	bob.expectError(CodeInvalidMessage)
	got, _ := h.store.Get(sess.ID)
	if got.Language != "python" {
		t.Errorf("stored language = %q", got.Language)
	}
}

func TestExecuteBroadcastsToAll(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	bob := h.dial(t, sess.ID)
	bob.join("b", "Bob")
	alice.expect(TypeUserJoined, nil)

	alice.send(TypeExecuteCode, map[string]string{"code": "print('hi')", "language": "python", "stdin": "x"})
	for _, c := range []*wsClient{alice, bob} {
		var out ExecutionOutcome
		c.expect(TypeExecutionResult, &out)
		if out.ClientID != "a" || out.Result.Stdout != "hi\n" || out.Result.ExitCode != 0 {
			t.Errorf("execution_result = %+v", out)
		}
		if !strings.HasPrefix(out.Result.ID, "exec_") {
			t.Errorf("execution id = %q", out.Result.ID)
		}
	}

	got, _ := h.store.Get(sess.ID)
	if len(got.Executions) != 1 || got.Executions[0].ExecutedBy != "a" {
		t.Errorf("history = %+v", got.Executions)
	}
	if req := h.sandbox.lastCall(); req.Stdin != "x" {
		t.Errorf("stdin = %q", req.Stdin)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{rateLimit: 1})
	sess := h.createSession(t, "python")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	bob := h.dial(t, sess.ID)
	bob.join("b", "Bob")
	alice.expect(TypeUserJoined, nil)

	alice.send(TypeExecuteCode, map[string]string{"code": "1", "language": "python"})
	alice.expect(TypeExecutionResult, nil)
	bob.expect(TypeExecutionResult, nil)

	// The limit is per session, so another participant is refused too.
	bob.send(TypeExecuteCode, map[string]string{"code": "2", "language": "python"})
	p := bob.expectError(CodeRateLimitExceeded)
	if p.Message != "Rate limit exceeded: 1 executions per minute" {
		t.Errorf("message = %q", p.Message)
	}
	alice.quiet()

	if h.sandbox.callCount() != 1 {
		t.Errorf("sandbox calls = %d, want 1", h.sandbox.callCount())
	}
}

func TestInvalidMessagesKeepConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")
	c := h.dial(t, sess.ID)

	c.sendRaw("not json at all")
	c.expectError(CodeInvalidJSON)
	c.sendRaw(`{"type":"dance","data":{}}`)
	c.expectError(CodeUnknownMessageType)
	c.send(TypeJoinSession, map[string]string{"display_name": "NoID"})
	p := c.expectError(CodeInvalidMessage)
	if p.Field != "client_id" {
		t.Errorf("field = %q", p.Field)
	}
	c.send(TypeExecuteCode, map[string]string{"code": "   ", "language": "python"})
	c.expectError(CodeInvalidMessage)

	c.join("a", "Alice")
}

func TestLeaveAnnouncedOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	bob := h.dial(t, sess.ID)
	bob.join("b", "Bob")
	alice.expect(TypeUserJoined, nil)

	bob.send(TypeLeaveSession, map[string]any{})
	bob.conn.Close()

	var left UserLeft
	alice.expect(TypeUserLeft, &left)
	if left.ClientID != "b" || left.DisplayName != "Bob" || left.ParticipantCount != 1 {
		t.Errorf("user_left = %+v", left)
	}
	alice.quiet()

	eventually(t, "registry unbind", func() bool { return h.registry.Count(sess.ID) == 1 })
	got, _ := h.store.Get(sess.ID)
	p, ok := got.Participant("b")
	if !ok || p.Connected {
		t.Errorf("participant b = %+v, %v; want kept and disconnected", p, ok)
	}
}

func TestAbruptDisconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	bob := h.dial(t, sess.ID)
	bob.join("b", "Bob")
	alice.expect(TypeUserJoined, nil)

	bob.conn.UnderlyingConn().Close()

	var left UserLeft
	alice.expect(TypeUserLeft, &left)
	if left.ClientID != "b" {
		t.Errorf("user_left = %+v", left)
	}
}

func TestRejoinFromNewConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")

	// Alice reconnects before her old connection is noticed as dead.
	again := h.dial(t, sess.ID)
	state := again.join("a", "Alice")
	if state.ParticipantCount != 1 {
		t.Errorf("participant_count = %d, want 1", state.ParticipantCount)
	}
	alice.expect(TypeUserJoined, nil)

	// The stale connection going away must not mark Alice disconnected.
	alice.conn.Close()
	eventually(t, "stale unbind", func() bool { return h.registry.Count(sess.ID) == 1 })
	got, _ := h.store.Get(sess.ID)
	if p, _ := got.Participant("a"); !p.Connected {
		t.Error("rejoined participant was disconnected by the stale connection")
	}
	again.quiet()
}

func TestEndSessionClosesChannels(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")
	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	bob := h.dial(t, sess.ID)
	bob.join("b", "Bob")
	alice.expect(TypeUserJoined, nil)

	ended, err := h.engine.EndSession(sess.ID, "Session ended by host")
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != session.StatusCompleted {
		t.Errorf("status = %s", ended.Status)
	}
	for _, c := range []*wsClient{alice, bob} {
		var se SessionEnded
		c.expect(TypeSessionEnded, &se)
		if se.Reason != "Session ended by host" {
			t.Errorf("reason = %q", se.Reason)
		}
		c.expectClosed()
	}
	eventually(t, "all unbound", func() bool { return h.registry.Total() == 0 })
}

func TestConcurrentCodeUpdatesConverge(t *testing.T) {
	const clients, updates = 3, 20
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")

	conns := make([]*wsClient, clients)
	for i := range conns {
		conns[i] = h.dial(t, sess.ID)
		conns[i].join(fmt.Sprintf("c%d", i), fmt.Sprintf("Client %d", i))
	}
	// Drain the join announcements: client i hears of every later joiner.
	for i := range conns {
		for j := i + 1; j < clients; j++ {
			conns[i].expect(TypeUserJoined, nil)
		}
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < updates; n++ {
				msg := map[string]any{"type": TypeCodeUpdate, "data": map[string]string{
					"code": fmt.Sprintf("c%d-%d", i, n), "language": "python",
				}}
				if err := c.conn.WriteJSON(msg); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	last := make([]string, clients)
	for i, c := range conns {
		for n := 0; n < (clients-1)*updates; n++ {
			var upd CodeUpdated
			c.expect(TypeCodeUpdate, &upd)
			last[i] = upd.Code
		}
	}

	got, _ := h.store.Get(sess.ID)
	for i := range conns {
		if strings.HasPrefix(got.Code, fmt.Sprintf("c%d-", i)) {
			continue
		}
		if last[i] != got.Code {
			t.Errorf("client %d ended on %q, store has %q", i, last[i], got.Code)
		}
	}
}

func TestEndToEndPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	proc := sandbox.NewProcess(sandbox.DefaultPolicy(), sandbox.NewResourceLimiter(), logging.Discard())
	h := newHarness(t, harnessOptions{sandbox: proc})
	sess := h.createSession(t, "python")

	alice := h.dial(t, sess.ID)
	alice.join("a", "Alice")
	alice.send(TypeExecuteCode, map[string]string{
		"code":     "import sys\nprint(sys.stdin.read().upper())",
		"language": "python",
		"stdin":    "hello",
	})
	var out ExecutionOutcome
	alice.expect(TypeExecutionResult, &out)
	if out.Result.Stdout != "HELLO\n" || out.Result.ExitCode != 0 {
		t.Errorf("result = %+v", out.Result)
	}
}

func TestServeCleanupRunsOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	sess := h.createSession(t, "python")
	watcher := newFakeChannel("watcher")
	h.registry.Bind(watcher, sess.ID, "w")

	ch := newFakeChannel("conn-1")
	done := make(chan struct{})
	go func() {
		h.engine.Serve(context.Background(), ch, sess.ID)
		close(done)
	}()

	ch.push(`{"type":"join_session","data":{"client_id":"a","display_name":"Alice"}}`)
	eventually(t, "session_state", func() bool { return len(ch.ofType(TypeSessionState)) == 1 })

	ch.Close()
	<-done
	// A second close from anywhere is harmless and announces nothing.
	ch.Close()

	if n := len(watcher.ofType(TypeUserLeft)); n != 1 {
		t.Errorf("user_left sent %d times, want 1", n)
	}
	if _, _, ok := h.registry.Lookup(ch); ok {
		t.Error("channel still bound after Serve returned")
	}
}

func TestServeRecoversFromPanic(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.sandbox.panics = true
	sess := h.createSession(t, "python")

	ch := newFakeChannel("conn-1")
	done := make(chan struct{})
	go func() {
		h.engine.Serve(context.Background(), ch, sess.ID)
		close(done)
	}()
	ch.push(`{"type":"execute_code","data":{"client_id":"a","code":"x","language":"python"}}`)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not stop after a panic")
	}
	errs := ch.ofType(TypeError)
	if len(errs) != 1 || errs[0].Data.(ErrorPayload).Code != CodeInternalError {
		t.Errorf("errors = %+v", errs)
	}
	if h.registry.Total() != 0 {
		t.Error("channel still bound")
	}
}

func TestServeUnknownSessionFake(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ch := newFakeChannel("conn-1")
	h.engine.Serve(context.Background(), ch, "missing")

	if !ch.closed() {
		t.Error("channel not closed")
	}
	errs := ch.ofType(TypeError)
	if len(errs) != 1 || errs[0].Data.(ErrorPayload).Code != CodeSessionNotFound {
		t.Errorf("errors = %+v", errs)
	}
}

// slowChannel stalls every code_update it is asked to deliver.
type slowChannel struct {
	*fakeChannel
	delay   time.Duration
	stalled chan struct{}
}

func (s *slowChannel) Send(msg Message) error {
	if msg.Type == TypeCodeUpdate {
		select {
		case s.stalled <- struct{}{}:
		default:
		}
		time.Sleep(s.delay)
	}
	return s.fakeChannel.Send(msg)
}

func TestSlowPeerDoesNotStallOtherSessions(t *testing.T) {
	// Both ids land in the same fnv32a bucket modulo 64, so a hashed lock
	// pool would make them contend.
	sessionIDs := []string{"sessiona000", "sessiona109"}
	next := 0
	h := newHarness(t, harnessOptions{storeOpts: []session.Option{
		session.WithIDGenerator(func(int) (string, error) {
			id := sessionIDs[next%len(sessionIDs)]
			next++
			return id, nil
		}),
	}})
	a := h.createSession(t, "python")
	b := h.createSession(t, "python")
	if a.ID == b.ID {
		t.Fatalf("sessions share id %s", a.ID)
	}

	join := func(ch Channel, fc *fakeChannel, sessionID, clientID string) {
		t.Helper()
		go h.engine.Serve(context.Background(), ch, sessionID)
		t.Cleanup(func() { ch.Close() })
		fc.push(fmt.Sprintf(`{"type":"join_session","data":{"client_id":%q}}`, clientID))
		eventually(t, clientID+" session_state", func() bool { return len(fc.ofType(TypeSessionState)) == 1 })
	}

	slow := &slowChannel{fakeChannel: newFakeChannel("a-slow"), delay: 2 * time.Second, stalled: make(chan struct{}, 1)}
	editorA := newFakeChannel("a-editor")
	editorB := newFakeChannel("b-editor")
	viewerB := newFakeChannel("b-viewer")
	join(slow, slow.fakeChannel, a.ID, "slow")
	join(editorA, editorA, a.ID, "editor-a")
	join(editorB, editorB, b.ID, "editor-b")
	join(viewerB, viewerB, b.ID, "viewer-b")

	editorA.push(`{"type":"code_update","data":{"code":"a = 1","language":"python"}}`)
	select {
	case <-slow.stalled:
	case <-time.After(3 * time.Second):
		t.Fatal("slow peer never received session A's update")
	}

	start := time.Now()
	editorB.push(`{"type":"code_update","data":{"code":"b = 2","language":"python"}}`)
	eventually(t, "session B code_update", func() bool { return len(viewerB.ofType(TypeCodeUpdate)) == 1 })
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("session B delivery took %v while a peer in session A was stalled", elapsed)
	}
	if got := viewerB.ofType(TypeCodeUpdate)[0].Data.(CodeUpdated).Code; got != "b = 2" {
		t.Errorf("viewer B got %q", got)
	}
}

func TestSessionLocksAreReleased(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.engine.sessionLock("s1")
	if h.engine.sessionLock("s1") != first {
		t.Fatal("same session returned different locks")
	}
	if h.engine.sessionLock("s2") == first {
		t.Error("different sessions share a lock")
	}
	h.engine.Forget("s1")
	if h.engine.sessionLock("s1") == first {
		t.Error("lock survived Forget")
	}
	h.engine.Forget("s1")
	h.engine.Forget("s2")
	if n := len(h.engine.locks); n != 0 {
		t.Errorf("%d locks left after Forget", n)
	}
}
