// Package runner backs managed processes with OS commands.
package runner

import (
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/procwatch/internal/logger"
)

const (
	DefaultStopTimeout   = 10 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

// Spec describes a command to supervise.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // shell-like command line
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // extra K=V entries, ${VAR} expanded
	PIDFile string   `json:"pid_file"` // optional; written on start, removed on exit
	// StartDuration is how long the command must stay up for Start to succeed.
	StartDuration time.Duration `json:"start_duration"`
	StopTimeout   time.Duration `json:"stop_timeout"` // SIGTERM grace period before SIGKILL
	HealthURL     string        `json:"health_url"`   // optional GET, healthy on 2xx
	// HealthCommand is run on every check; healthy on exit code 0.
	HealthCommand string            `json:"health_command"`
	HealthTimeout time.Duration     `json:"health_timeout"`
	Log           logger.FileConfig `json:"log"`
}

func (s Spec) stopTimeout() time.Duration {
	if s.StopTimeout > 0 {
		return s.StopTimeout
	}
	return DefaultStopTimeout
}

func (s Spec) healthTimeout() time.Duration {
	if s.HealthTimeout > 0 {
		return s.HealthTimeout
	}
	return DefaultHealthTimeout
}

// BuildCommand turns a command line into an *exec.Cmd. Plain command lines
// are split on whitespace; shell metacharacters or an explicit "sh -c"
// prefix run through the platform shell without double wrapping.
func BuildCommand(line string) *exec.Cmd {
	line = strings.TrimSpace(line)
	if script, ok := explicitShell(line); ok {
		return shellCommand(script)
	}
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShell matches "sh -c <script>" style prefixes and returns the
// script with one pair of surrounding quotes removed.
func explicitShell(line string) (string, bool) {
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(line, p) {
			continue
		}
		script := line[len(p):]
		if n := len(script); n >= 2 {
			if (script[0] == '\'' && script[n-1] == '\'') || (script[0] == '"' && script[n-1] == '"') {
				script = script[1 : n-1]
			}
		}
		return script, true
	}
	return "", false
}
