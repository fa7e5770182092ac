package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/michaelbrown/codepair/internal/logging"
)

// Process runs programs as local child processes in a scratch directory,
// each in its own process group with OS resource limits applied.
type Process struct {
	policy  Policy
	limiter ResourceLimiter
	logger  *log.Logger
}

// NewProcess returns a process sandbox. A nil limiter uses the platform
// default.
func NewProcess(policy Policy, limiter ResourceLimiter, logger *log.Logger) *Process {
	if limiter == nil {
		limiter = NewResourceLimiter()
	}
	return &Process{
		policy:  policy,
		limiter: limiter,
		logger:  logging.Component(logger, "sandbox"),
	}
}

func (p *Process) Execute(ctx context.Context, req Request) Result {
	tc, ok := lookupToolchain(req.Language)
	if !ok {
		return unsupported(req.Language)
	}

	dir, err := os.MkdirTemp("", "codepair-run-*")
	if err != nil {
		return failure("Execution error: creating workspace: %v", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, tc.file), []byte(req.Code), 0o644); err != nil {
		return failure("Execution error: writing source: %v", err)
	}

	if len(tc.compile) > 0 {
		if res, ok := p.compile(ctx, dir, tc); !ok {
			return res
		}
	}
	return p.run(ctx, dir, tc, req.Stdin, timeLimit(req, p.policy))
}

func (p *Process) compile(ctx context.Context, dir string, tc toolchain) (Result, bool) {
	cctx, cancel := context.WithTimeout(ctx, p.policy.CompileTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, tc.compile[0], tc.compile[1:]...)
	cmd.Dir = dir
	cmd.Env = sandboxEnv(dir)
	diag := newCappedBuffer(p.policy.MaxOutput)
	cmd.Stdout = diag
	cmd.Stderr = diag

	err := cmd.Run()
	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return compileFailed("Compilation timed out"), false
	}
	if err == nil {
		return Result{}, true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return failure("Execution error: starting compiler: %v", err), false
	}
	return compileFailed(strings.TrimSpace(diag.Text(p.policy.MaxOutput))), false
}

func (p *Process) run(ctx context.Context, dir string, tc toolchain, stdin string, limit time.Duration) Result {
	cmd := exec.Command(tc.run[0], tc.run[1:]...)
	cmd.Dir = dir
	cmd.Env = sandboxEnv(dir)
	cmd.Stdin = strings.NewReader(stdin)
	stdout := newCappedBuffer(p.policy.MaxOutput)
	stderr := newCappedBuffer(p.policy.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failure("Execution error: starting %s: %v", tc.run[0], err)
	}

	if err := p.limiter.Apply(cmd.Process, tc.limits(p.policy.Limits)); err != nil {
		p.logger.Warn("resource limits not applied", "pid", cmd.Process.Pid, "err", err)
	}

	outcome, err := waitFor(ctx, cmd, limit, func() { killProcessGroup(cmd) })
	switch outcome {
	case expired:
		return timedOut(limit)
	case cancelled:
		return failure("Execution error: %v", ctx.Err())
	}
	// Reap anything the program left running in its group.
	killProcessGroup(cmd)
	elapsed := time.Since(start).Milliseconds()

	res := Result{
		Stdout:     stdout.Text(p.policy.MaxOutput),
		Stderr:     stderr.Text(p.policy.MaxOutput),
		DurationMs: elapsed,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		res.ExitCode = 1
		res.Error = fmt.Sprintf("Runtime error: %v", err)
	}
	return res
}

func sandboxEnv(dir string) []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
}
