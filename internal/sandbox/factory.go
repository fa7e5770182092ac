package sandbox

import (
	"fmt"

	"github.com/charmbracelet/log"
)

// Modes accepted by ForMode.
const (
	ModeDisabled = "disabled"
	ModeProcess  = "process"
	ModeDocker   = "docker"
	ModeMCP      = "mcp"
)

// ForMode builds the sandbox for an execution mode. runner is the
// codepair-runner binary used by the mcp mode.
func ForMode(mode string, policy Policy, runner string, logger *log.Logger) (Sandbox, error) {
	switch mode {
	case ModeDisabled, "":
		return Disabled{}, nil
	case ModeProcess:
		return NewProcess(policy, nil, logger), nil
	case ModeDocker:
		return NewDocker(policy, logger), nil
	case ModeMCP:
		return NewMCP(runner, nil, logger), nil
	}
	return nil, fmt.Errorf("unknown execution mode %q", mode)
}
