package sandbox

import "os"

// ResourceLimiter applies OS resource ceilings to a started process. The
// wall-clock timeout is enforced by the caller whether or not this works.
type ResourceLimiter interface {
	Apply(proc *os.Process, limits Limits) error
}

// NoopLimiter applies nothing. It is the default on platforms without
// per-process rlimits.
type NoopLimiter struct{}

func (NoopLimiter) Apply(*os.Process, Limits) error { return nil }
