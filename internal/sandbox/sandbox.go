// Package sandbox runs untrusted programs to completion or timeout. Every
// outcome, including infrastructure failures, is reported as a Result value.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Request describes one program to run.
type Request struct {
	Code      string
	Language  string
	Stdin     string
	TimeLimit time.Duration // zero means the policy default
}

// Result is the outcome of a run. ExitCode is -1 on timeout.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration"`
	Error      string `json:"error,omitempty"`
}

func (r Result) Success() bool {
	return r.ExitCode == 0 && r.Error == ""
}

// Sandbox executes code. Implementations never return errors; failures are
// failed Results.
type Sandbox interface {
	Execute(ctx context.Context, req Request) Result
}

func failure(format string, args ...any) Result {
	return Result{ExitCode: 1, Error: fmt.Sprintf(format, args...)}
}

func unsupported(language string) Result {
	return failure("Language '%s' is not supported for execution", language)
}

func timedOut(limit time.Duration) Result {
	return Result{
		ExitCode:   -1,
		DurationMs: limit.Milliseconds(),
		Error:      fmt.Sprintf("Execution timed out after %dms", limit.Milliseconds()),
	}
}

func compileFailed(diagnostic string) Result {
	if diagnostic == "" {
		diagnostic = "Compilation failed"
	}
	return Result{Stderr: diagnostic, ExitCode: 1, Error: "Compilation failed"}
}

func timeLimit(req Request, p Policy) time.Duration {
	if req.TimeLimit > 0 {
		return req.TimeLimit
	}
	return p.Timeout
}
