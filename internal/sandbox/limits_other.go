//go:build !linux

package sandbox

// NewResourceLimiter returns the platform limiter.
func NewResourceLimiter() ResourceLimiter {
	return NoopLimiter{}
}
