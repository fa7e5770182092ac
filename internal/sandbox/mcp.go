package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/codepair/internal/logging"
)

// RunToolName is the tool the runner exposes.
const RunToolName = "code_run"

// MCP delegates execution to a codepair-runner subprocess over the MCP
// stdio transport. The subprocess is started on first use and restarted
// after a transport failure.
type MCP struct {
	binary string
	env    []string
	logger *log.Logger

	mu     sync.Mutex
	client *client.Client
}

func NewMCP(binary string, env []string, logger *log.Logger) *MCP {
	return &MCP{binary: binary, env: env, logger: logging.Component(logger, "sandbox")}
}

func (m *MCP) Execute(ctx context.Context, req Request) Result {
	if !Supported(req.Language) {
		return unsupported(req.Language)
	}

	c, err := m.connect(ctx)
	if err != nil {
		return failure("Execution error: runner unavailable: %v", err)
	}

	args := map[string]any{
		"language": req.Language,
		"code":     req.Code,
		"stdin":    req.Stdin,
	}
	if req.TimeLimit > 0 {
		args["time_limit_ms"] = req.TimeLimit.Milliseconds()
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      RunToolName,
			Arguments: args,
		},
	})
	if err != nil {
		m.reset(c)
		return failure("Execution error: calling runner: %v", err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return failure("Execution error: %s", text)
	}

	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return failure("Execution error: decoding runner result: %v", err)
	}
	return res
}

func (m *MCP) connect(ctx context.Context) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	c, err := client.NewStdioMCPClient(m.binary, m.env)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", m.binary, err)
	}
	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ClientInfo: mcp.Implementation{
				Name:    "codepair",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing %s: %w", m.binary, err)
	}

	m.logger.Info("runner started", "binary", m.binary)
	m.client = c
	return c, nil
}

func (m *MCP) reset(c *client.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == c {
		m.client.Close()
		m.client = nil
	}
}

// Close stops the runner subprocess.
func (m *MCP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
