package sandbox

import (
	"sort"
	"strings"
)

// toolchain is how one language is built and started inside a workspace.
type toolchain struct {
	file    string
	compile []string
	run     []string
	// managedRuntime marks VMs that reserve far more virtual memory than
	// they use and start many threads; neither the address-space nor the
	// process ceiling is applied to them.
	managedRuntime bool
}

// limits narrows the policy ceilings to what the toolchain can live under.
// RLIMIT_NPROC counts every thread owned by the sandbox's uid, so a JVM or
// node runtime would trip it on its own worker threads.
func (tc toolchain) limits(base Limits) Limits {
	if tc.managedRuntime {
		base.AddressSpace = 0
		base.Processes = 0
	}
	return base
}

var toolchains = map[string]toolchain{
	"python": {
		file: "main.py",
		run:  []string{"python3", "-u", "main.py"},
	},
	"javascript": {
		file:           "main.js",
		run:            []string{"node", "main.js"},
		managedRuntime: true,
	},
	"java": {
		file:           "Main.java",
		compile:        []string{"javac", "Main.java"},
		run:            []string{"java", "-cp", ".", "Main"},
		managedRuntime: true,
	},
	"cpp": {
		file:    "main.cpp",
		compile: []string{"g++", "-O2", "-o", "main", "main.cpp"},
		run:     []string{"./main"},
	},
}

func lookupToolchain(language string) (toolchain, bool) {
	tc, ok := toolchains[strings.ToLower(language)]
	return tc, ok
}

// Supported reports whether a language can run server side.
func Supported(language string) bool {
	_, ok := lookupToolchain(language)
	return ok
}

// Languages lists the server-side languages in sorted order.
func Languages() []string {
	out := make([]string, 0, len(toolchains))
	for lang := range toolchains {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
