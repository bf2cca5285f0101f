package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/process"
	"github.com/loykin/procwatch/internal/watchdog"
)

type fakeWatchdog struct {
	metrics watchdog.Metrics
	alerts  []watchdog.Alert
}

func (f fakeWatchdog) Metrics() watchdog.Metrics { return f.metrics }
func (f fakeWatchdog) Alerts() []watchdog.Alert  { return f.alerts }

func newManager(t *testing.T, cfgs ...process.Config) *manager.Manager {
	t.Helper()
	m := manager.New(eventbus.New(),
		manager.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		manager.WithSampler(nil),
		manager.WithStartupDelay(0),
		manager.WithProbe(1, 0),
		manager.WithRestartCooldown(0),
		manager.WithHealthCheckInterval(time.Hour),
	)
	for _, c := range cfgs {
		require.NoError(t, m.RegisterProcess(c))
	}
	t.Cleanup(func() { m.Dispose(context.Background()) })
	return m
}

func setupRouter(t *testing.T, base string, opts ...Option) (http.Handler, *manager.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	failing := process.Funcs{StartFunc: func(context.Context) error { return errors.New("no binary") }}
	m := newManager(t,
		process.Config{ID: "db", Process: process.Funcs{}},
		process.Config{ID: "api", Process: process.Funcs{}, Dependencies: []string{"db"}},
		process.Config{ID: "broken", Process: failing, CriticalLevel: process.CriticalLow},
	)
	return NewRouter(m, base, opts...).Handler(), m
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSystemStartStopAndGuards(t *testing.T) {
	h, _ := setupRouter(t, "/api/")

	rec := doReq(t, h, http.MethodPost, "/api/system/start?skip_stability=true")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[manager.StartResult](t, rec)
	assert.True(t, res.Success)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "broken")

	rec = doReq(t, h, http.MethodPost, "/api/system/start")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[manager.StartResult](t, rec).Errors, manager.CodeAlreadyRunning)

	rec = doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[manager.SystemStatus](t, rec)
	assert.True(t, st.Running)
	require.Len(t, st.Processes, 3)
	assert.Equal(t, "db", st.Processes[0].ID)
	assert.Equal(t, 2, st.Metrics.RunningProcesses)

	rec = doReq(t, h, http.MethodPost, "/api/system/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/api/system/stop")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSystemControlOutlivesRequestContext(t *testing.T) {
	h, m := setupRouter(t, "/api/")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/system/start?skip_stability=true", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, m.IsRunning())
	st, _ := m.GetProcessState("api")
	assert.Equal(t, process.StatusRunning, st.Status)

	req = httptest.NewRequest(http.MethodPost, "/api/system/stop", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, m.IsRunning())
	st, _ = m.GetProcessState("api")
	assert.Equal(t, process.StatusStopped, st.Status)
}

func TestProcessEndpoints(t *testing.T) {
	h, m := setupRouter(t, "")

	rec := doReq(t, h, http.MethodPost, "/processes/api/start")
	assert.Equal(t, http.StatusConflict, rec.Code, "db is not running yet")

	rec = doReq(t, h, http.MethodPost, "/processes/db/start")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doReq(t, h, http.MethodGet, "/processes/db")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, process.StatusRunning, decode[process.State](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/processes/db/restart")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/processes/db/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	st, _ := m.GetProcessState("db")
	assert.Equal(t, process.StatusStopped, st.Status)

	rec = doReq(t, h, http.MethodPost, "/processes/db/reset")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/processes/broken/start")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/processes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]process.State](t, rec), 3)
}

func TestProcessEndpointErrors(t *testing.T) {
	h, _ := setupRouter(t, "")
	tests := []struct {
		method, path string
		code         int
	}{
		{http.MethodGet, "/processes/ghost", http.StatusNotFound},
		{http.MethodPost, "/processes/ghost/start", http.StatusNotFound},
		{http.MethodPost, "/processes/db/explode", http.StatusNotFound},
		{http.MethodGet, "/processes/a..b", http.StatusBadRequest},
		{http.MethodGet, "/processes/a$b", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := doReq(t, h, tt.method, tt.path)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestWatchdogEndpoints(t *testing.T) {
	h, _ := setupRouter(t, "")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/watchdog/metrics").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/watchdog/alerts").Code)

	wd := fakeWatchdog{
		metrics: watchdog.Metrics{PerformanceScore: 80, StabilityScore: 70, MemoryLeak: true},
	}
	h, _ = setupRouter(t, "", WithWatchdog(wd))
	rec := doReq(t, h, http.MethodGet, "/watchdog/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[watchdog.Metrics](t, rec)
	assert.Equal(t, 80, got.PerformanceScore)
	assert.True(t, got.MemoryLeak)

	rec = doReq(t, h, http.MethodGet, "/watchdog/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	wd.alerts = []watchdog.Alert{{ID: "a1", Type: watchdog.AlertMemoryLeak, Severity: eventbus.SeverityWarning}}
	h, _ = setupRouter(t, "", WithWatchdog(wd))
	rec = doReq(t, h, http.MethodGet, "/watchdog/alerts")
	alerts := decode[[]watchdog.Alert](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, watchdog.AlertMemoryLeak, alerts[0].Type)
}

func TestMetricsMountedOutsideBasePath(t *testing.T) {
	prom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "procwatch_up 1\n")
	})
	h, _ := setupRouter(t, "/v1", WithMetricsHandler(prom))
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "procwatch_up 1")
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/v1/healthz").Code)
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/v1/system/metrics").Code)
}

func TestAuthProtectsEndpoints(t *testing.T) {
	hash, err := auth.HashPassword("s3cret", bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := auth.New(auth.Config{Enabled: true, Users: []auth.User{
		{Username: "ops", PasswordHash: hash, Roles: []string{auth.RoleOperator}},
	}})
	require.NoError(t, err)
	h, _ := setupRouter(t, "/api", WithAuth(svc))

	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/api/status").Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"ops","password":"s3cret"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := decode[auth.Result](t, rec).Token.Value

	authed := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, authed(http.MethodGet, "/api/status"))
	assert.Equal(t, http.StatusOK, authed(http.MethodPost, "/api/processes/db/start"))
	// operators manage single processes but not the whole system
	assert.Equal(t, http.StatusForbidden, authed(http.MethodPost, "/api/system/stop"))
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /x/y/ ": "/x/y"}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), in)
	}
}
