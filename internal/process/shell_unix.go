//go:build !windows

package process

import "os/exec"

func getShellCommand(script string) *exec.Cmd {
	// Absolute path so an overridden PATH cannot break the worker.
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

func getTrueCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/true")
}
