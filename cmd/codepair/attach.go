package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepair/internal/realtime"
)

var (
	serverFlag string
	nameFlag   string
	roleFlag   string
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Join a live session from the terminal",
	Long: `Join a running session over its websocket and follow along: code edits,
language changes, joins, leaves and execution results are printed as they arrive.

Type /help for commands.

Examples:
  codepair attach k3x9q2
  codepair attach k3x9q2 --name Dana --role host
  codepair attach k3x9q2 --server https://codepair.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&serverFlag, "server", "", "Server base URL (default http://localhost:<server.port>)")
	attachCmd.Flags().StringVar(&nameFlag, "name", "", "Display name (default $USER)")
	attachCmd.Flags().StringVar(&roleFlag, "role", "participant", "Role: host, participant or viewer")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	base := serverFlag
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	target, err := wsURL(base, args[0])
	if err != nil {
		return err
	}

	name := nameFlag
	if name == "" {
		name = os.Getenv("USER")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(cmd.Context(), target, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mcodepair>\033[0m ",
		HistoryFile:     "/tmp/codepair_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	closeInput := sync.OnceFunc(func() { rl.Close() })
	defer closeInput()

	client := newAttachClient(rl.Stdout(), func(typ string, data any) error {
		return conn.WriteJSON(map[string]any{"type": typ, "data": data})
	})
	client.clientID = "term-" + uuid.NewString()

	if err := client.join(name, roleFlag); err != nil {
		return err
	}

	go func() {
		defer closeInput()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if !client.hasEnded() {
					fmt.Fprintf(rl.Stdout(), "\n\033[31mdisconnected: %v\033[0m\n", err)
				}
				return
			}
			if err := client.handleFrame(raw); err != nil {
				fmt.Fprintf(rl.Stdout(), "\033[31mbad frame: %v\033[0m\n", err)
			}
		}
	}()

	fmt.Fprintf(rl.Stdout(), "Attached to %s as %s. Type /help for commands.\n", args[0], name)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		quit, err := client.command(line)
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "\033[31m%v\033[0m\n", err)
		}
		if quit {
			break
		}
	}

	if !client.hasEnded() {
		_ = client.send(realtime.TypeLeaveSession, realtime.LeaveSession{ClientID: client.clientID})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	}
	return nil
}

// wsURL turns a server base URL into the websocket endpoint for a session.
func wsURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/sessions/" + url.PathEscape(sessionID)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// attachClient tracks the shared document as seen from one terminal.
type attachClient struct {
	out      io.Writer
	send     func(typ string, data any) error
	clientID string

	mu           sync.Mutex
	sessionID    string
	code         string
	language     string
	participants []realtime.ParticipantInfo
	ended        bool
}

func newAttachClient(out io.Writer, send func(typ string, data any) error) *attachClient {
	return &attachClient{out: out, send: send}
}

func (c *attachClient) join(name, role string) error {
	return c.send(realtime.TypeJoinSession, realtime.JoinSession{
		ClientID:    c.clientID,
		DisplayName: name,
		Role:        role,
	})
}

func (c *attachClient) hasEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *attachClient) handleFrame(raw []byte) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case realtime.TypeSessionState:
		var m realtime.SessionState
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		c.sessionID = m.SessionID
		c.code = m.Code
		c.language = m.Language
		c.participants = m.Participants
		fmt.Fprintf(c.out, "Session %s (%s, %s) with %d connected\n", m.SessionID, m.Language, m.Status, m.ParticipantCount)
		if len(m.Executions) > 0 {
			fmt.Fprintf(c.out, "%d earlier executions\n", len(m.Executions))
		}

	case realtime.TypeUserJoined:
		var m realtime.UserJoined
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		c.participants = m.Participants
		fmt.Fprintf(c.out, "\033[32m+ %s joined\033[0m (%d connected)\n", m.DisplayName, m.ParticipantCount)

	case realtime.TypeUserLeft:
		var m realtime.UserLeft
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		c.dropParticipant(m.ClientID)
		fmt.Fprintf(c.out, "\033[33m- %s left\033[0m (%d connected)\n", m.DisplayName, m.ParticipantCount)

	case realtime.TypeCodeUpdate:
		var m realtime.CodeUpdated
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		c.code = m.Code
		if m.Language != "" {
			c.language = m.Language
		}
		fmt.Fprintf(c.out, "\033[90m~ %s edited the code (%d lines)\033[0m\n", m.DisplayName, lineCount(m.Code))

	case realtime.TypeLanguageChange:
		var m realtime.LanguageChanged
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		c.language = m.Language
		fmt.Fprintf(c.out, "%s switched the language to %s\n", m.DisplayName, m.Language)

	case realtime.TypeExecutionResult:
		var m realtime.ExecutionOutcome
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		c.printResult(m)

	case realtime.TypeSessionEnded:
		var m realtime.SessionEnded
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		c.ended = true
		fmt.Fprintf(c.out, "\033[31mSession ended: %s\033[0m\n", m.Reason)

	case realtime.TypeError:
		var m realtime.ErrorPayload
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return err
		}
		if m.Field != "" {
			fmt.Fprintf(c.out, "\033[31merror %s (%s): %s\033[0m\n", m.Code, m.Field, m.Message)
		} else {
			fmt.Fprintf(c.out, "\033[31merror %s: %s\033[0m\n", m.Code, m.Message)
		}

	default:
		fmt.Fprintf(c.out, "unhandled message %q\n", f.Type)
	}
	return nil
}

func (c *attachClient) dropParticipant(clientID string) {
	kept := c.participants[:0]
	for _, p := range c.participants {
		if p.ClientID != clientID {
			kept = append(kept, p)
		}
	}
	c.participants = kept
}

func (c *attachClient) printResult(m realtime.ExecutionOutcome) {
	r := m.Result
	mark := "\033[32m✓\033[0m"
	if !r.Success() {
		mark = "\033[31m✗\033[0m"
	}
	fmt.Fprintf(c.out, "%s %s run by %s: exit %d in %dms\n", mark, r.Language, r.ExecutedBy, r.ExitCode, r.DurationMs)
	for _, line := range strings.Split(strings.TrimRight(r.Stdout, "\n"), "\n") {
		if line != "" {
			fmt.Fprintf(c.out, "  \033[90m│ %s\033[0m\n", line)
		}
	}
	for _, line := range strings.Split(strings.TrimRight(r.Stderr, "\n"), "\n") {
		if line != "" {
			fmt.Fprintf(c.out, "  \033[31m│ %s\033[0m\n", line)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(c.out, "  \033[31m%s\033[0m\n", r.Error)
	}
}

// command handles one line of terminal input and reports whether the user
// asked to quit.
func (c *attachClient) command(line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, errors.New("not a command, type /help")
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(c.out, "Commands:")
		fmt.Fprintln(c.out, "  /load <file>  replace the shared code with a file")
		fmt.Fprintln(c.out, "  /lang <id>    switch the session language")
		fmt.Fprintln(c.out, "  /run [stdin]  execute the current code")
		fmt.Fprintln(c.out, "  /code         print the current code")
		fmt.Fprintln(c.out, "  /who          list connected participants")
		fmt.Fprintln(c.out, "  /quit         leave the session")
		return false, nil

	case "/load":
		if arg == "" {
			return false, errors.New("usage: /load <file>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return false, err
		}
		c.mu.Lock()
		c.code = string(data)
		lang := c.language
		c.mu.Unlock()
		if err := c.send(realtime.TypeCodeUpdate, realtime.CodeUpdate{
			ClientID: c.clientID,
			Code:     string(data),
			Language: lang,
		}); err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "Loaded %s (%d lines)\n", arg, lineCount(string(data)))
		return false, nil

	case "/lang":
		if arg == "" {
			return false, errors.New("usage: /lang <id>")
		}
		return false, c.send(realtime.TypeLanguageChange, realtime.LanguageChange{
			ClientID: c.clientID,
			Language: arg,
		})

	case "/run":
		c.mu.Lock()
		code, lang := c.code, c.language
		c.mu.Unlock()
		if strings.TrimSpace(code) == "" {
			return false, errors.New("nothing to run")
		}
		return false, c.send(realtime.TypeExecuteCode, realtime.ExecuteCode{
			ClientID: c.clientID,
			Code:     code,
			Language: lang,
			Stdin:    arg,
		})

	case "/code":
		c.mu.Lock()
		code, lang := c.code, c.language
		c.mu.Unlock()
		fmt.Fprintf(c.out, "--- %s ---\n%s\n", lang, strings.TrimRight(code, "\n"))
		return false, nil

	case "/who":
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.participants) == 0 {
			fmt.Fprintln(c.out, "Nobody else is here.")
			return false, nil
		}
		for _, p := range c.participants {
			me := ""
			if p.ClientID == c.clientID {
				me = " (you)"
			}
			fmt.Fprintf(c.out, "  %s [%s]%s\n", p.DisplayName, p.Role, me)
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown command %s, type /help", name)
}

func lineCount(s string) int {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
