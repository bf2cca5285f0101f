package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// daemonize re-executes the binary detached from the terminal and exits the
// parent. The child keeps --pidfile and writes it itself.
func daemonize(logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)

	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// daemonArgs drops the flags that only concern the parent.
func daemonArgs(args []string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch arg {
		case "--daemonize", "--daemonize=true":
			continue
		case "--logfile":
			skipNext = true
			continue
		}
		if strings.HasPrefix(arg, "--logfile=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}
