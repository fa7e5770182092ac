// Command codepair-runner is an MCP stdio server with one tool, code_run,
// that executes a program in the local process sandbox and returns the
// result as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/codepair/internal/logging"
	"github.com/michaelbrown/codepair/internal/sandbox"
)

const maxTimeLimit = 30 * time.Second

func main() {
	// stdout carries the MCP transport, so logs go to stderr.
	logger, err := logging.New(os.Getenv("CODEPAIR_LOG_LEVEL"), "text", os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sb := sandbox.NewProcess(sandbox.DefaultPolicy(), nil, logger)
	s := newRunnerServer(sb, logger)

	if err := server.ServeStdio(s); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func newRunnerServer(sb sandbox.Sandbox, logger *log.Logger) *server.MCPServer {
	s := server.NewMCPServer("codepair-runner", "0.1.0")
	s.AddTool(mcp.Tool{
		Name: sandbox.RunToolName,
		Description: fmt.Sprintf("Execute a program in the process sandbox. Supported languages: %s.",
			strings.Join(sandbox.Languages(), ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(sandbox.Languages(), ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
				"time_limit_ms": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit in milliseconds (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}, codeRunHandler(sb, logging.Component(logger, "runner")))
	return s
}

func codeRunHandler(sb sandbox.Sandbox, logger *log.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("invalid arguments"), nil
		}

		language, _ := args["language"].(string)
		code, _ := args["code"].(string)
		stdin, _ := args["stdin"].(string)
		if language == "" || code == "" {
			return errResult("'language' and 'code' are required"), nil
		}

		req := sandbox.Request{Language: language, Code: code, Stdin: stdin}
		if ms, ok := args["time_limit_ms"].(float64); ok && ms > 0 {
			req.TimeLimit = min(time.Duration(ms)*time.Millisecond, maxTimeLimit)
		}

		res := sb.Execute(ctx, req)
		logger.Info("executed", "language", language, "exit_code", res.ExitCode, "duration_ms", res.DurationMs)

		body, err := json.Marshal(res)
		if err != nil {
			return errResult(fmt.Sprintf("encoding result: %v", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}},
		}, nil
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
