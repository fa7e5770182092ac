package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/michaelbrown/codepair/internal/ids"
	"github.com/michaelbrown/codepair/internal/logging"
)

// dockerExitCodes are the statuses docker run itself uses when the
// container could not be started.
var dockerExitCodes = map[int]bool{125: true, 126: true, 127: true}

// Docker runs each phase of a program in a throwaway container.
type Docker struct {
	policy Policy
	binary string
	logger *log.Logger
}

// NewDocker creates a sandbox with the given policy.
func NewDocker(policy Policy, logger *log.Logger) *Docker {
	return &Docker{policy: policy, binary: "docker", logger: logging.Component(logger, "sandbox")}
}

func (d *Docker) Execute(ctx context.Context, req Request) Result {
	tc, ok := lookupToolchain(req.Language)
	if !ok {
		return unsupported(req.Language)
	}
	image, ok := d.policy.Image(strings.ToLower(req.Language))
	if !ok {
		return unsupported(req.Language)
	}

	tmpDir, err := os.MkdirTemp("", "codepair-docker-*")
	if err != nil {
		return failure("Execution error: creating workspace: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	// The container user may differ from ours and has to write build output.
	if err := os.Chmod(tmpDir, 0o777); err != nil {
		return failure("Execution error: preparing workspace: %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, tc.file), []byte(req.Code), 0o644); err != nil {
		return failure("Execution error: writing source: %v", err)
	}

	if len(tc.compile) > 0 {
		res, outcome := d.container(ctx, tmpDir, image, tc.compile, "", d.policy.CompileTimeout, true)
		switch {
		case outcome == expired:
			return compileFailed("Compilation timed out")
		case res.Error != "":
			return res
		case res.ExitCode != 0:
			return compileFailed(strings.TrimSpace(res.Stderr + res.Stdout))
		}
	}

	limit := timeLimit(req, d.policy)
	res, outcome := d.container(ctx, tmpDir, image, tc.run, req.Stdin, limit, false)
	if outcome == expired {
		return timedOut(limit)
	}
	return res
}

func (d *Docker) container(ctx context.Context, dir, image string, command []string, stdin string, limit time.Duration, writable bool) (Result, waitOutcome) {
	name := "codepair-" + ids.New("run")
	mount := dir + ":/workspace"
	if !writable {
		mount += ":ro"
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--memory", d.policy.Memory,
		"-v", mount,
		"-w", "/workspace",
	}
	if !d.policy.Network {
		args = append(args, "--network=none")
	}
	if n := d.policy.Limits.Processes; n > 0 {
		args = append(args, "--pids-limit", fmt.Sprint(n))
	}
	if n := d.policy.Limits.CPUSeconds; n > 0 && !writable {
		args = append(args, "--ulimit", fmt.Sprintf("cpu=%d:%d", n, n))
	}
	if n := d.policy.Limits.FileSize; n > 0 && !writable {
		args = append(args, "--ulimit", fmt.Sprintf("fsize=%d:%d", n, n))
	}
	args = append(args, image)
	args = append(args, command...)

	cmd := exec.Command(d.binary, args...)
	cmd.Stdin = strings.NewReader(stdin)
	stdout := newCappedBuffer(d.policy.MaxOutput)
	stderr := newCappedBuffer(d.policy.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return failure("Execution error: running docker: %v", err), exited
	}

	kill := func() {
		// Killing the CLI leaves the container running; remove it by name.
		if err := exec.Command(d.binary, "rm", "-f", name).Run(); err != nil {
			d.logger.Warn("removing container", "name", name, "err", err)
		}
		_ = cmd.Process.Kill()
	}
	outcome, err := waitFor(ctx, cmd, limit, kill)
	switch outcome {
	case expired:
		return Result{}, expired
	case cancelled:
		return failure("Execution error: %v", ctx.Err()), cancelled
	}

	res := Result{
		Stdout:     stdout.Text(d.policy.MaxOutput),
		Stderr:     stderr.Text(d.policy.MaxOutput),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return failure("Execution error: running docker: %v", err), exited
		}
		res.ExitCode = exitErr.ExitCode()
		if dockerExitCodes[res.ExitCode] && strings.Contains(res.Stderr, "docker:") {
			res.Error = "Execution error: " + strings.TrimSpace(res.Stderr)
		}
	}
	return res, exited
}
