//go:build windows

package actions

import (
	"os/exec"
	"syscall"
)

// setProcAttr hides the console window of the child process.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killTree kills the child process. Windows has no process groups in the
// POSIX sense; Kill on the process handle terminates the tree spawned
// with CREATE_NEW_PROCESS_GROUP for console applications.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
