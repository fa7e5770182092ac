package sandbox

import (
	"context"
	"fmt"
)

// Disabled answers every request with an informational message instead of
// running anything. It is the default when server-side execution is off.
type Disabled struct{}

func (Disabled) Execute(_ context.Context, req Request) Result {
	if req.Language == "javascript" {
		return Result{
			Stdout:     "// JavaScript execution happens in the browser",
			DurationMs: 10,
		}
	}
	return Result{
		Stdout: fmt.Sprintf("# Server-side execution is disabled for %s\n"+
			"# Enable it in settings or use client-side execution", req.Language),
	}
}
