package sandbox

import "time"

// Limits are the OS resource ceilings applied to a running program.
// A zero field leaves that resource unlimited.
type Limits struct {
	CPUSeconds   uint64
	AddressSpace uint64 // bytes
	FileSize     uint64 // bytes
	Processes    uint64
}

// Policy defines resource limits for sandbox execution.
type Policy struct {
	Timeout        time.Duration // default wall-clock limit per run
	CompileTimeout time.Duration
	MaxOutput      int // characters kept per stream
	Limits         Limits
	Memory         string            // docker --memory value
	Network        bool              // docker network access
	Images         map[string]string // docker image per language
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        5 * time.Second,
		CompileTimeout: 10 * time.Second,
		MaxOutput:      10000,
		Limits: Limits{
			CPUSeconds:   5,
			AddressSpace: 128 << 20,
			FileSize:     1 << 20,
			Processes:    64,
		},
		Memory:  "128m",
		Network: false,
		Images: map[string]string{
			"python":     "python:3.12-slim",
			"javascript": "node:22-slim",
			"java":       "eclipse-temurin:21-jdk",
			"cpp":        "gcc:14",
		},
	}
}

// Image returns the docker image configured for a language.
func (p Policy) Image(language string) (string, bool) {
	img, ok := p.Images[language]
	return img, ok && img != ""
}
