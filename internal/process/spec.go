package process

import (
	"errors"
	"io"
	"os/exec"
	"strings"

	"github.com/loykin/peerd/internal/logger"
)

// Spec describes a child process to spawn.
// Either Path (with Args) or a shell-style Command line must be set; Path wins.
type Spec struct {
	Name    string
	Path    string   // executable; resolved via PATH when not absolute
	Args    []string // arguments for Path
	Command string   // shell-style command line, used when Path is empty
	WorkDir string
	Env     []string // full environment; nil inherits the daemon's environment
	Log     logger.Config
	// Stdout receives a copy of the child's stdout in addition to any log file.
	Stdout io.Writer
}

// Validate reports obviously broken specs before anything is spawned.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process requires name")
	}
	if strings.TrimSpace(s.Path) == "" && strings.TrimSpace(s.Command) == "" {
		return errors.New("process " + s.Name + " requires command or path")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec.
// With Path set the argv is used verbatim. Otherwise Command is split on
// whitespace, falling back to /bin/sh -c when shell metacharacters are
// present. An explicit "sh -c ..." prefix is honoured without double-wrapping.
func (s *Spec) BuildCommand() *exec.Cmd {
	if p := strings.TrimSpace(s.Path); p != "" {
		// #nosec G204
		return exec.Command(p, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// One pair of surrounding quotes around the script is stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
