//go:build !windows

package runner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwatch/internal/env"
	"github.com/loykin/procwatch/internal/logger"
)

func newCommand(t *testing.T, spec Spec, opts ...Option) *Command {
	t.Helper()
	c, err := New(spec, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func exited(c *Command) func() bool {
	return func() bool { return c.PID() == 0 }
}

func TestStartStopLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "sleeper.pid")
	c := newCommand(t, Spec{Name: "sleeper", Command: "sleep 30", PIDFile: pidFile})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	pid := c.PID()
	require.Positive(t, pid)
	assert.ErrorIs(t, c.Start(ctx), ErrStarted)

	got, err := ReadPIDFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, pid, got)

	ok, err := c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Stop(ctx))
	assert.Zero(t, c.PID())
	ok, err = c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	// stopped commands can be started again
	require.NoError(t, c.Start(ctx))
	assert.NotZero(t, c.PID())
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
}

func TestStopEscalatesToKill(t *testing.T) {
	c := newCommand(t, Spec{
		Name:          "stubborn",
		Command:       `sh -c 'trap "" TERM; sleep 30'`,
		StartDuration: 100 * time.Millisecond,
		StopTimeout:   100 * time.Millisecond,
	})
	require.NoError(t, c.Start(context.Background()))

	begin := time.Now()
	require.NoError(t, c.Stop(context.Background()))
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Zero(t, c.PID())
	assert.Error(t, c.ExitErr())
}

func TestStartFailsWhenCommandExitsEarly(t *testing.T) {
	c := newCommand(t, Spec{Name: "crasher", Command: "sh -c 'exit 3'", StartDuration: 2 * time.Second})
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExitedEarly))
	assert.Zero(t, c.PID())
}

func TestStartFailsForMissingBinary(t *testing.T) {
	c := newCommand(t, Spec{Name: "ghost", Command: "/definitely/not/here --flag"})
	assert.Error(t, c.Start(context.Background()))
	assert.Zero(t, c.PID())
}

func TestOutputGoesToRotatingLog(t *testing.T) {
	dir := t.TempDir()
	c := newCommand(t, Spec{
		Name:    "greeter",
		Command: `sh -c 'echo "$GREETING"; echo oops >&2'`,
		Env:     []string{"TARGET=world", "GREETING=hello ${TARGET}"},
		Log:     logger.FileConfig{Dir: dir},
	}, WithEnv(env.FromMap(map[string]string{"UNUSED": "1"})))

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, exited(c), 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.ExitErr())

	out, err := os.ReadFile(filepath.Join(dir, "greeter.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(out))
	errOut, err := os.ReadFile(filepath.Join(dir, "greeter.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestHealthURL(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newCommand(t, Spec{
		Name:      "web",
		Command:   "sleep 30",
		Env:       []string{"HEALTH_BASE=" + srv.URL},
		HealthURL: "${HEALTH_BASE}/healthz",
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	ok, err := c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	healthy.Store(true)
	ok, err = c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	srv.Close()
	_, err = c.HealthCheck(ctx)
	assert.Error(t, err)
}

func TestHealthCommand(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ready")
	c := newCommand(t, Spec{Name: "worker", Command: "sleep 30", HealthCommand: "test -f " + marker})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	ok, err := c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(marker, nil, 0o600))
	ok, err = c.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"sleep 10", []string{"sleep", "10"}},
		{"  app --port 80  ", []string{"app", "--port", "80"}},
		{"echo a | wc -c", []string{"/bin/sh", "-c", "echo a | wc -c"}},
		{"sh -c 'echo hi > out'", []string{"/bin/sh", "-c", "echo hi > out"}},
		{`/bin/sh -c "exit 1"`, []string{"/bin/sh", "-c", "exit 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildCommand(tt.line).Args)
		})
	}
}
