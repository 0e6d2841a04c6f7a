package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/watchdog/internal/logger"
)

// DefaultLineBuffer is how many unread output lines a worker keeps.
const DefaultLineBuffer = 256

// Spec describes the worker the supervisor keeps alive.
type Spec struct {
	Name       string        `json:"name" mapstructure:"name"`
	Command    string        `json:"command" mapstructure:"command"`   // e.g. "python3 shopbot.py"
	WorkDir    string        `json:"work_dir" mapstructure:"work_dir"` // optional
	Env        []string      `json:"env" mapstructure:"env"`           // extra K=V pairs
	LineBuffer int           `json:"line_buffer" mapstructure:"line_buffer"`
	Log        logger.Config `json:"log" mapstructure:"log"`
}

// Validate checks the fields needed to launch the worker.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("worker requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("worker requires command")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for s.Command. A shell is used only
// when the command contains shell metacharacters, and an explicit
// "sh -c '...'" prefix is honored without wrapping it again.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects a leading "sh -c <script>" and returns the
// script with one pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
