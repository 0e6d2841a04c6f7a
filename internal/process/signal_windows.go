//go:build windows

package process

import (
	"os"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Windows has no process-group signals; both stop steps terminate the process.
func terminateGroup(pid int) error { return killPID(pid) }

func killGroup(pid int) error { return killPID(pid) }

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
