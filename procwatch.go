// Package procwatch embeds the supervisor: it wires the event bus, the
// process manager, the system watchdog, Prometheus metrics, event history
// sinks and the HTTP control API from one configuration.
package procwatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procwatch/internal/auth"
	cfg "github.com/loykin/procwatch/internal/config"
	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/loykin/procwatch/internal/history"
	"github.com/loykin/procwatch/internal/history/factory"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/process"
	iapi "github.com/loykin/procwatch/internal/server"
	itls "github.com/loykin/procwatch/internal/tls"
	"github.com/loykin/procwatch/internal/watchdog"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ProcessConfig = process.Config

type Process = process.Process

type ProcessFuncs = process.Funcs

type StartResult = manager.StartResult

type StopResult = manager.StopResult

type SystemStatus = manager.SystemStatus

type Event = eventbus.Event

type HistorySink = history.Sink

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns a configuration holding every default and no
// processes.
func DefaultConfig() *Config {
	c := cfg.Defaults()
	return &c
}

// System is one supervisor instance.
type System struct {
	conf   *Config
	logger *slog.Logger

	bus      *eventbus.Bus
	mgr      *manager.Manager
	wd       *watchdog.Watchdog
	recorder *metrics.Recorder
	history  *history.Recorder
	handler  http.Handler
	srv      *http.Server

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	extra      []process.Config
	sinks      []history.Sink

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
	closed   bool
}

// Option configures a System.
type Option func(*System)

func WithLogger(l *slog.Logger) Option {
	return func(s *System) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProcesses registers in-process units after the configured commands.
func WithProcesses(pcs ...ProcessConfig) Option {
	return func(s *System) { s.extra = append(s.extra, pcs...) }
}

// WithHistorySink adds a sink next to those named in [[history]].
func WithHistorySink(sink HistorySink) Option {
	return func(s *System) { s.sinks = append(s.sinks, sink) }
}

// WithRegistry registers metrics on r and serves /metrics from it instead of
// the default registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(s *System) {
		s.registerer = r
		s.gatherer = r
	}
}

// New wires a System from c. Nothing is started until Start.
func New(c *Config, opts ...Option) (*System, error) {
	if c == nil {
		c = DefaultConfig()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &System{
		conf:       c,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = c.Log.NewSlogger()
	}
	var tlsConf *tls.Config
	if c.Server.Enabled {
		var err error
		if tlsConf, err = itls.Setup(c.Server.TLS); err != nil {
			return nil, err
		}
	}
	var authSvc *auth.Service
	if c.Server.Auth.Enabled {
		var err error
		if authSvc, err = auth.New(c.Server.Auth); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	s.bus = eventbus.New(eventbus.WithLogger(s.logger))
	s.mgr = manager.New(s.bus, append(c.ManagerOptions(), manager.WithLogger(s.logger))...)

	if err := s.registerProcesses(); err != nil {
		s.bus.Close()
		return nil, err
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(s.registerer); err != nil {
			s.bus.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.recorder = metrics.NewRecorder(s.bus)
	}

	if c.Watchdog.Enabled {
		wopts := append(c.WatchdogOptions(), watchdog.WithLogger(s.logger))
		if c.Metrics.Enabled {
			wopts = append(wopts, watchdog.WithObserver(exportScores))
		}
		s.wd = watchdog.New(s.bus, wopts...)
	}

	sinks := append([]history.Sink(nil), s.sinks...)
	for _, h := range c.History {
		sink, err := factory.NewSinkFromDSN(h.DSN)
		if err != nil {
			s.closeSinks(sinks)
			s.teardown()
			s.bus.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) > 0 {
		s.history = history.NewRecorder(s.bus, sinks, history.WithLogger(s.logger))
	}

	ropts := []iapi.Option{iapi.WithLogger(s.logger), iapi.WithAuth(authSvc)}
	if s.wd != nil {
		ropts = append(ropts, iapi.WithWatchdog(s.wd))
	}
	if c.Metrics.Enabled {
		ropts = append(ropts, iapi.WithMetricsHandler(metrics.HandlerFor(s.gatherer)))
	}
	router := iapi.NewRouter(s.mgr, c.Server.BasePath, ropts...)
	s.handler = router.Handler()
	if c.Server.Enabled {
		s.srv = iapi.NewServer(c.Server.Listen, router)
		s.srv.TLSConfig = tlsConf
	}
	return s, nil
}

func (s *System) registerProcesses() error {
	e, err := s.conf.GlobalEnv()
	if err != nil {
		return err
	}
	pcs, err := s.conf.ProcessConfigs(e, s.logger)
	if err != nil {
		return err
	}
	for _, pc := range append(pcs, s.extra...) {
		if err := s.mgr.RegisterProcess(pc); err != nil {
			return fmt.Errorf("register %q: %w", pc.ID, err)
		}
	}
	return nil
}

func exportScores(m watchdog.Metrics) {
	var mem float64
	if n := len(m.Memory); n > 0 {
		mem = m.Memory[n-1].Value
	}
	metrics.SetWatchdogScores(m.PerformanceScore, m.StabilityScore, m.ErrorRate, mem, m.MemoryLeak)
}

// Start opens the API listener, starts the watchdog and then starts every
// process in dependency order. The error covers the listener only; process
// failures are reported in the result.
func (s *System) Start(ctx context.Context) (StartResult, error) {
	if err := s.serve(); err != nil {
		return StartResult{}, err
	}
	if s.wd != nil {
		s.wd.Start(context.WithoutCancel(ctx))
	}
	res := s.mgr.StartSystem(ctx, manager.StartOptions{SkipStabilityCheck: s.conf.Manager.SkipStabilityCheck})
	if res.Success {
		s.logger.Info("system started", "message", res.Message, "warnings", len(res.Warnings))
	} else {
		s.logger.Error("system start failed", "message", res.Message, "errors", res.Errors)
	}
	return res, nil
}

func (s *System) serve() error {
	if s.srv == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	if s.srv.TLSConfig != nil {
		ln = tls.NewListener(ln, s.srv.TLSConfig)
	}
	s.listener = ln
	s.serveErr = make(chan error, 1)
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("api server stopped", "error", err)
		}
		s.serveErr <- err
	}()
	s.logger.Info("api listening", "addr", ln.Addr().String(), "base_path", s.conf.Server.BasePath, "tls", s.srv.TLSConfig != nil)
	return nil
}

// Addr is the API listen address once Start has run, or "".
func (s *System) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL is the API base URL once Start has run, or "".
func (s *System) URL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	scheme := "http"
	if s.srv.TLSConfig != nil {
		scheme = "https"
	}
	return scheme + "://" + addr + s.conf.Server.BasePath
}

// ServeErr reports a fatal API server error. It is nil when the API is
// disabled or not yet started.
func (s *System) ServeErr() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Shutdown stops every process in reverse order, then the watchdog, the API
// server and the recorders. It is safe to call more than once.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if s.mgr.IsRunning() {
		res := s.mgr.StopSystem(ctx)
		if !res.Success {
			errs = append(errs, fmt.Errorf("stop system: %s", res.Message))
		}
	}
	if s.srv != nil && s.Addr() != "" {
		if err := s.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}
	s.teardown()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	s.mgr.Dispose(ctx)
	s.bus.Close()
	return errors.Join(errs...)
}

func (s *System) teardown() {
	if s.wd != nil {
		s.wd.Close()
	}
	if s.recorder != nil {
		s.recorder.Close()
	}
}

func (s *System) closeSinks(sinks []history.Sink) {
	for _, sink := range sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// Handler serves the control API under [server].base_path for mounting in
// another router. It is available even when [server] is disabled.
func (s *System) Handler() http.Handler { return s.handler }

// Status returns a snapshot of the system and every process.
func (s *System) Status() SystemStatus { return s.mgr.GetSystemStatus() }

// On subscribes h to events of type t.
func (s *System) On(t eventbus.Type, h eventbus.Handler) eventbus.Subscription {
	return s.bus.On(t, h)
}

func (s *System) Manager() *manager.Manager { return s.mgr }

// Watchdog is nil when [watchdog] is disabled.
func (s *System) Watchdog() *watchdog.Watchdog { return s.wd }
