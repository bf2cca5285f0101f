package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/process"
	"github.com/loykin/procwatch/internal/watchdog"
)

// Manager is the part of *manager.Manager the API drives.
type Manager interface {
	StartSystem(ctx context.Context, opts manager.StartOptions) manager.StartResult
	StopSystem(ctx context.Context) manager.StopResult
	GetSystemStatus() manager.SystemStatus
	GetSystemMetrics() manager.SystemMetrics
	GetProcessState(id string) (process.State, bool)
	StartProcess(ctx context.Context, id string) error
	StopProcess(ctx context.Context, id string) error
	RestartProcess(ctx context.Context, id string) error
	ResetProcess(id string) error
}

// Watchdog is the read side of *watchdog.Watchdog.
type Watchdog interface {
	Metrics() watchdog.Metrics
	Alerts() []watchdog.Alert
}

// Router serves the control API. Endpoints, relative to basePath:
//
//	GET  /healthz
//	GET  /status                  system status with per-process state
//	GET  /system/metrics
//	POST /system/start            query: skip_stability=true
//	POST /system/stop
//	GET  /processes
//	GET  /processes/:id
//	POST /processes/:id/{start,stop,restart,reset}
//	GET  /watchdog/metrics
//	GET  /watchdog/alerts
//	POST /auth/login              only with WithAuth
//
// A Prometheus handler, when set, is mounted at /metrics outside basePath.
// With WithAuth every endpoint except /healthz and /auth/login requires
// credentials; GETs need read and POSTs need write on their resource.
type Router struct {
	mgr      Manager
	wd       Watchdog
	auth     *auth.Middleware
	metrics  http.Handler
	logger   *slog.Logger
	basePath string
}

// Option configures a Router.
type Option func(*Router)

// WithWatchdog exposes watchdog metrics and alerts. Without it those
// endpoints answer 404.
func WithWatchdog(w Watchdog) Option {
	return func(r *Router) { r.wd = w }
}

// WithAuth protects the API with svc. A nil svc leaves it open.
func WithAuth(svc *auth.Service) Option {
	return func(r *Router) { r.auth = auth.NewMiddleware(svc) }
}

func WithMetricsHandler(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(mgr Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	if r.auth != nil {
		group.POST("/auth/login", r.auth.Login)
	}
	read := func(res string) gin.HandlerFunc { return r.auth.Require(res, auth.ActionRead) }
	write := func(res string) gin.HandlerFunc { return r.auth.Require(res, auth.ActionWrite) }

	group.GET("/status", read(auth.ResourceSystem), r.handleStatus)
	group.GET("/system/metrics", read(auth.ResourceSystem), r.handleSystemMetrics)
	group.POST("/system/start", write(auth.ResourceSystem), r.handleSystemStart)
	group.POST("/system/stop", write(auth.ResourceSystem), r.handleSystemStop)
	group.GET("/processes", read(auth.ResourceProcess), r.handleProcesses)
	group.GET("/processes/:id", read(auth.ResourceProcess), r.handleProcess)
	group.POST("/processes/:id/:action", write(auth.ResourceProcess), r.handleProcessAction)
	group.GET("/watchdog/metrics", read(auth.ResourceWatchdog), r.handleWatchdogMetrics)
	group.GET("/watchdog/alerts", read(auth.ResourceWatchdog), r.handleWatchdogAlerts)
	return g
}

// NewServer builds an http.Server for this router. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// system start and stop run synchronously and may take a while
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.logger.Debug("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.GetSystemStatus())
}

func (r *Router) handleSystemMetrics(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.GetSystemMetrics())
}

func (r *Router) handleSystemStart(c *gin.Context) {
	skip, _ := strconv.ParseBool(c.DefaultQuery("skip_stability", "false"))
	res := r.mgr.StartSystem(context.WithoutCancel(c.Request.Context()), manager.StartOptions{SkipStabilityCheck: skip})
	writeJSON(c, resultCode(res.Success, res.Errors, manager.CodeAlreadyRunning), res)
}

func (r *Router) handleSystemStop(c *gin.Context) {
	res := r.mgr.StopSystem(context.WithoutCancel(c.Request.Context()))
	writeJSON(c, resultCode(res.Success, res.Errors, manager.CodeNotRunning), res)
}

// resultCode maps a system result to 200, 409 for the guard code, or 500.
func resultCode(ok bool, errs []string, guard string) int {
	if ok {
		return http.StatusOK
	}
	for _, e := range errs {
		if e == guard {
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.GetSystemStatus().Processes)
}

func (r *Router) handleProcess(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid process id"})
		return
	}
	st, ok := r.mgr.GetProcessState(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown process: " + id})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleProcessAction(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid process id"})
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	var err error
	switch c.Param("action") {
	case "start":
		err = r.mgr.StartProcess(ctx, id)
	case "stop":
		err = r.mgr.StopProcess(ctx, id)
	case "restart":
		err = r.mgr.RestartProcess(ctx, id)
	case "reset":
		err = r.mgr.ResetProcess(id)
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action: " + c.Param("action")})
		return
	}
	if err != nil {
		writeJSON(c, errorCode(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrDependencyNotReady),
		errors.Is(err, manager.ErrRestartBudgetExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleWatchdogMetrics(c *gin.Context) {
	if r.wd == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "watchdog disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.wd.Metrics())
}

func (r *Router) handleWatchdogAlerts(c *gin.Context) {
	if r.wd == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "watchdog disabled"})
		return
	}
	alerts := r.wd.Alerts()
	if alerts == nil {
		alerts = []watchdog.Alert{}
	}
	writeJSON(c, http.StatusOK, alerts)
}
