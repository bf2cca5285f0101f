//go:build !windows

package runner

import "os/exec"

func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
