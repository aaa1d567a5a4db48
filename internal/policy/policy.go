// Package policy holds the operator rules a command or transaction must pass
// before LaunchGuard acts on it.
package policy

import (
	"fmt"
	"strings"

	clierr "github.com/launchguard/launchguard/internal/errors"
)

// ReadOnlyEntry in an allowlist admits every command that writes no plan,
// decision or safety state.
const ReadOnlyEntry = "read-only"

// Emergency commands stay reachable under any allowlist.
var emergencyCommands = []string{"killswitch activate", "killswitch status"}

// CommandPolicy is a parsed --enable-commands allowlist. An entry names a
// command path ("plan approve") or a whole group ("plan").
type CommandPolicy struct {
	entries  []string
	readOnly bool
}

func ParseCommandPolicy(allowlist []string) CommandPolicy {
	var p CommandPolicy
	for _, raw := range allowlist {
		entry := normalize(raw)
		switch entry {
		case "":
		case ReadOnlyEntry:
			p.readOnly = true
		default:
			p.entries = append(p.entries, entry)
		}
	}
	return p
}

// Open reports whether the policy admits everything.
func (p CommandPolicy) Open() bool { return len(p.entries) == 0 && !p.readOnly }

func (p CommandPolicy) Allows(commandPath string, mutates bool) bool {
	if p.Open() {
		return true
	}
	path := normalize(commandPath)
	for _, c := range emergencyCommands {
		if path == c {
			return true
		}
	}
	if p.readOnly && !mutates {
		return true
	}
	for _, e := range p.entries {
		if path == e || strings.HasPrefix(path, e+" ") {
			return true
		}
	}
	return false
}

// CheckCommandAllowed applies the allowlist to a command path. mutates marks
// commands that write state, such as plan approve or plan submit.
func CheckCommandAllowed(allowlist []string, commandPath string, mutates bool) error {
	p := ParseCommandPolicy(allowlist)
	if p.Allows(commandPath, mutates) {
		return nil
	}
	msg := fmt.Sprintf("command %q blocked by --enable-commands policy", normalize(commandPath))
	if mutates && p.readOnly {
		msg += " (read-only admits no state changes)"
	}
	return clierr.New(clierr.CodeBlocked, msg)
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
