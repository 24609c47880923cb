//go:build windows

package supervise

import (
	"os/exec"
	"strconv"
)

// setProcessGroup is a no-op on Windows; tree termination goes through
// taskkill instead of process groups.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateTree kills the child and its descendants via taskkill /T.
// Windows has no SIGTERM, so termination is forceful from the start.
func terminateTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	//nolint:gosec // G204: the PID comes from our own child process
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid)).Run()
}

// killTree is identical to terminateTree on Windows.
func killTree(cmd *exec.Cmd) {
	terminateTree(cmd)
}
