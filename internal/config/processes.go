package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/procwatch/internal/env"
	"github.com/loykin/procwatch/internal/logger"
	"github.com/loykin/procwatch/internal/process"
	"github.com/loykin/procwatch/internal/runner"
)

// GlobalEnv layers env_files (in order) and then the env list over the OS
// environment.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	for _, path := range c.EnvFiles {
		pairs, err := loadEnvFile(path)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", path, err)
		}
		e = withPairs(e, pairs)
	}
	return withPairs(e, c.Env), nil
}

func withPairs(e *env.Env, pairs []string) *env.Env {
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			e = e.WithSet(k, v)
		}
	}
	return e
}

// RunnerSpec converts one process entry. Its log settings overlay the
// global [log.file] section field by field.
func (c *Config) RunnerSpec(p ProcessConfig) runner.Spec {
	return runner.Spec{
		Name:          p.ID,
		Command:       p.Command,
		WorkDir:       p.WorkDir,
		Env:           append([]string(nil), p.Env...),
		PIDFile:       p.PIDFile,
		StartDuration: p.StartDuration,
		StopTimeout:   p.StopTimeout,
		HealthURL:     p.HealthURL,
		HealthCommand: p.HealthCommand,
		HealthTimeout: p.HealthTimeout,
		Log:           mergeLog(c.Log.File, p.Log),
	}
}

func mergeLog(base logger.FileConfig, over *logger.FileConfig) logger.FileConfig {
	if over == nil {
		return base
	}
	out := base
	if over.Dir != "" {
		out.Dir = over.Dir
	}
	if over.StdoutPath != "" {
		out.StdoutPath = over.StdoutPath
	}
	if over.StderrPath != "" {
		out.StderrPath = over.StderrPath
	}
	if over.MaxSizeMB != 0 {
		out.MaxSizeMB = over.MaxSizeMB
	}
	if over.MaxBackups != 0 {
		out.MaxBackups = over.MaxBackups
	}
	if over.MaxAgeDays != 0 {
		out.MaxAgeDays = over.MaxAgeDays
	}
	if over.Compress {
		out.Compress = true
	}
	return out
}

// ProcessConfigs builds manager registrations backed by OS commands, in
// file order.
func (c *Config) ProcessConfigs(e *env.Env, l *slog.Logger) ([]process.Config, error) {
	out := make([]process.Config, 0, len(c.Processes))
	for _, p := range c.Processes {
		cmd, err := runner.New(c.RunnerSpec(p), runner.WithEnv(e), runner.WithLogger(l))
		if err != nil {
			return nil, err
		}
		level, err := process.ParseCriticalLevel(p.CriticalLevel)
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", p.ID, err)
		}
		out = append(out, process.Config{
			ID:            p.ID,
			Name:          p.Name,
			Process:       cmd,
			CriticalLevel: level,
			AutoRestart:   p.AutoRestart,
			MaxRestarts:   p.MaxRestarts,
			Dependencies:  append([]string(nil), p.DependsOn...),
			StartupDelay:  p.StartupDelay,
		})
	}
	return out, nil
}
