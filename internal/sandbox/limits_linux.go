//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RlimitLimiter sets rlimits on the child with prlimit(2). Only the child
// is affected; the server's own limits are untouched.
type RlimitLimiter struct{}

// NewResourceLimiter returns the platform limiter.
func NewResourceLimiter() ResourceLimiter {
	return RlimitLimiter{}
}

func (RlimitLimiter) Apply(proc *os.Process, limits Limits) error {
	set := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"cpu", unix.RLIMIT_CPU, limits.CPUSeconds},
		{"as", unix.RLIMIT_AS, limits.AddressSpace},
		{"fsize", unix.RLIMIT_FSIZE, limits.FileSize},
		{"nproc", unix.RLIMIT_NPROC, limits.Processes},
	}
	for _, l := range set {
		if l.value == 0 {
			continue
		}
		rl := unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Prlimit(proc.Pid, l.resource, &rl, nil); err != nil {
			if errors.Is(err, unix.ESRCH) {
				// Already exited.
				return nil
			}
			return fmt.Errorf("setting %s limit: %w", l.name, err)
		}
	}
	return nil
}
