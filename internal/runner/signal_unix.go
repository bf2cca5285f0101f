//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own group so signals reach
// everything it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
