package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/procwatch/internal/env"
	"github.com/loykin/procwatch/internal/sysinfo"
)

var (
	ErrStarted     = errors.New("command already started")
	ErrExitedEarly = errors.New("command exited before start duration")
)

// killGrace bounds the wait for the reaper after SIGKILL.
const killGrace = 2 * time.Second

// Command runs a Spec as a child process and implements process.Process.
type Command struct {
	spec   Spec
	env    *env.Env
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	pid       int
	startedAt time.Time
	done      chan struct{} // closed when the child has been reaped
	exitErr   error
}

// Option configures a Command.
type Option func(*Command)

func WithEnv(e *env.Env) Option {
	return func(c *Command) {
		if e != nil {
			c.env = e
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Command) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Command) {
		if hc != nil {
			c.client = hc
		}
	}
}

// New validates spec and returns a stopped Command.
func New(spec Spec, opts ...Option) (*Command, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("runner: name is required")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("runner %s: command is required", spec.Name)
	}
	c := &Command{
		spec:   spec,
		env:    env.New(),
		logger: slog.Default(),
		client: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("process", spec.Name)
	return c, nil
}

func (c *Command) Spec() Spec { return c.spec }

// PID returns the child's pid, or 0 when nothing is running.
func (c *Command) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitedLocked() {
		return 0
	}
	return c.pid
}

// ExitErr returns the error from the last reaped child.
func (c *Command) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *Command) exitedLocked() bool {
	if c.done == nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Start launches the command. It fails if the previous child is still
// alive, if the command cannot be spawned, or if it exits within
// StartDuration.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.exitedLocked() {
		c.mu.Unlock()
		return ErrStarted
	}

	perProc := c.spec.Env
	cmd := BuildCommand(c.env.Expand(c.spec.Command, perProc))
	cmd.Env = c.env.Merge(perProc)
	cmd.Dir = c.spec.WorkDir
	setProcessGroup(cmd)

	outW, errW, err := c.spec.Log.Writers(c.spec.Name)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.spec.Log.Dir != "" {
		_ = os.MkdirAll(c.spec.Log.Dir, 0o750)
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		c.mu.Unlock()
		return fmt.Errorf("start %s: %w", c.spec.Name, err)
	}
	done := make(chan struct{})
	c.pid = cmd.Process.Pid
	c.startedAt = time.Now()
	c.done = done
	c.exitErr = nil
	pid := c.pid
	c.mu.Unlock()

	if c.spec.PIDFile != "" {
		if err := WritePIDFile(c.spec.PIDFile, pid); err != nil {
			c.logger.Warn("write pid file failed", "path", c.spec.PIDFile, "error", err)
		}
	}
	c.logger.Info("command started", "pid", pid)

	go func() {
		werr := cmd.Wait()
		closeAll(outW, errW)
		if c.spec.PIDFile != "" {
			_ = os.Remove(c.spec.PIDFile)
		}
		c.mu.Lock()
		c.exitErr = werr
		c.mu.Unlock()
		close(done)
		c.logger.Info("command exited", "pid", pid, "error", werr)
	}()

	if d := c.spec.StartDuration; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-done:
			return fmt.Errorf("%w (%s): %v", ErrExitedEarly, d, c.ExitErr())
		case <-ctx.Done():
			_ = c.Stop(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Stop terminates the process group, escalating to SIGKILL after the stop
// timeout or when ctx is done. Stopping an exited command is a no-op.
func (c *Command) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.exitedLocked() {
		c.mu.Unlock()
		return nil
	}
	pid, done := c.pid, c.done
	c.mu.Unlock()

	if err := terminate(pid); err != nil {
		c.logger.Debug("terminate failed", "pid", pid, "error", err)
	}
	t := time.NewTimer(c.spec.stopTimeout())
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		c.logger.Warn("stop timeout, killing", "pid", pid, "timeout", c.spec.stopTimeout())
	case <-ctx.Done():
		c.logger.Warn("stop cancelled, killing", "pid", pid)
	}
	if err := kill(pid); err != nil {
		c.logger.Debug("kill failed", "pid", pid, "error", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("stop %s: pid %d did not exit after SIGKILL", c.spec.Name, pid)
	}
}

// HealthCheck reports the command healthy when its process is alive and the
// optional HTTP and command probes pass. A probe that cannot be performed
// returns an error.
func (c *Command) HealthCheck(ctx context.Context) (bool, error) {
	c.mu.Lock()
	exited, pid := c.exitedLocked(), c.pid
	c.mu.Unlock()
	if exited {
		return false, nil
	}
	alive, err := sysinfo.Alive(ctx, int32(pid))
	if err != nil {
		return false, err
	}
	if !alive {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.spec.healthTimeout())
	defer cancel()
	if u := c.spec.HealthURL; u != "" {
		ok, err := c.probeHTTP(ctx, c.env.Expand(u, c.spec.Env))
		if err != nil || !ok {
			return ok, err
		}
	}
	if line := c.spec.HealthCommand; line != "" {
		return c.probeCommand(ctx, line)
	}
	return true, nil
}

func (c *Command) probeHTTP(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (c *Command) probeCommand(ctx context.Context, line string) (bool, error) {
	cmd := BuildCommand(c.env.Expand(line, c.spec.Env))
	cmd.Env = c.env.Merge(c.spec.Env)
	cmd.Dir = c.spec.WorkDir
	if err := cmd.Start(); err != nil {
		return false, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return false, nil
		}
		return err == nil, err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return false, ctx.Err()
	}
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
