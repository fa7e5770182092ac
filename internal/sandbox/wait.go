package sandbox

import (
	"context"
	"os/exec"
	"time"
)

type waitOutcome int

const (
	exited waitOutcome = iota
	expired
	cancelled
)

// waitFor waits for a started command. When the time limit passes or ctx
// is done it calls kill and waits for the command to be reaped before
// returning. The error is only meaningful when the outcome is exited.
func waitFor(ctx context.Context, cmd *exec.Cmd, limit time.Duration, kill func()) (waitOutcome, error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case err := <-done:
		return exited, err
	case <-timer.C:
		kill()
		<-done
		return expired, nil
	case <-ctx.Done():
		kill()
		<-done
		return cancelled, nil
	}
}
