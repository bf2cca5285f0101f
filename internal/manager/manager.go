// Package manager orchestrates registered processes: dependency-ordered
// startup and shutdown, bounded automatic restarts, periodic health scoring
// and aggregate system status. It publishes what it observes on the event bus
// and knows nothing about who listens.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/loykin/procwatch/internal/process"
	"github.com/loykin/procwatch/internal/sysinfo"
	"k8s.io/utils/clock"
)

// Source is the event source name used by the manager.
const Source = "manager"

// Health classifies the system as a whole.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// SystemMetrics is a point-in-time summary.
type SystemMetrics struct {
	TotalProcesses     int           `json:"total_processes"`
	RunningProcesses   int           `json:"running_processes"`
	HealthyProcesses   int           `json:"healthy_processes"`
	SystemUptime       time.Duration `json:"system_uptime"`
	MemoryUsageMB      float64       `json:"memory_usage_mb"`
	AverageHealthScore float64       `json:"average_health_score"`
	TotalRestarts      int           `json:"total_restarts"`
	LastStabilityCheck time.Time     `json:"last_stability_check,omitzero"`
}

// SystemStatus is the full snapshot returned by GetSystemStatus.
type SystemStatus struct {
	Running   bool            `json:"running"`
	Health    Health          `json:"health"`
	Processes []process.State `json:"processes"`
	Metrics   SystemMetrics   `json:"metrics"`
	StartedAt time.Time       `json:"started_at,omitzero"`
}

type nopEmitter struct{}

func (nopEmitter) Emit(eventbus.Event) {}

// Manager supervises a set of processes.
//
// Lifecycle operations are serialized by opMu. Readers only take stateMu.
// The running flag is atomic so timer callbacks and StopSystem can consult
// it without waiting for an operation in progress. Events raised while opMu
// is held are queued and delivered after it is released, so handlers may
// call back into the manager.
type Manager struct {
	opMu sync.Mutex

	pendMu   sync.Mutex
	pending  []eventbus.Event
	flushing bool

	stateMu      sync.RWMutex
	ids          []string
	configs      map[string]process.Config
	states       map[string]*process.State
	startedAt    time.Time
	lastStableAt time.Time

	running atomic.Bool

	timerMu sync.Mutex
	timers  *timerSet

	bus     eventbus.Emitter
	logger  *slog.Logger
	clock   clock.WithTickerAndDelayedExecution
	sampler sysinfo.Sampler
	// samplerSet distinguishes an explicit nil sampler from the default.
	samplerSet bool

	healthInterval  time.Duration
	stabilityWindow time.Duration
	startupDelay    time.Duration
	probeAttempts   int
	probeInterval   time.Duration
	restartCooldown time.Duration
	lowHealth       int
	healthyScore    int
	errorLogSize    int
}

// New returns a Manager publishing on bus. A nil bus discards events.
func New(bus eventbus.Emitter, opts ...Option) *Manager {
	m := &Manager{
		configs:         make(map[string]process.Config),
		states:          make(map[string]*process.State),
		bus:             bus,
		logger:          slog.Default(),
		clock:           clock.RealClock{},
		healthInterval:  DefaultHealthCheckInterval,
		stabilityWindow: DefaultStabilityWindow,
		startupDelay:    DefaultStartupDelay,
		probeAttempts:   DefaultProbeAttempts,
		probeInterval:   DefaultProbeInterval,
		restartCooldown: DefaultRestartCooldown,
		lowHealth:       DefaultLowHealthThreshold,
		healthyScore:    DefaultHealthyThreshold,
		errorLogSize:    process.DefaultErrorLogSize,
	}
	if m.bus == nil {
		m.bus = nopEmitter{}
	}
	for _, o := range opts {
		o(m)
	}
	if !m.samplerSet {
		if s, err := sysinfo.Self(sysinfo.DefaultCPUWindow); err == nil {
			m.sampler = s
		} else {
			m.logger.Warn("manager: resource sampling unavailable", "error", err)
		}
	}
	return m
}

// RegisterProcess adds a process. It fails on invalid configuration, on a
// duplicate ID and when the new process would close a dependency cycle.
func (m *Manager) RegisterProcess(cfg process.Config) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if _, exists := m.configs[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProcess, cfg.ID)
	}
	m.configs[cfg.ID] = cfg
	if _, err := resolveOrder(append(m.ids, cfg.ID), m.configs); err != nil {
		delete(m.configs, cfg.ID)
		return fmt.Errorf("register %s: %w", cfg.ID, err)
	}
	m.ids = append(m.ids, cfg.ID)
	m.states[cfg.ID] = process.NewState(cfg)
	m.logger.Debug("process registered", "process", cfg.ID, "critical", string(cfg.CriticalLevel), "deps", cfg.Dependencies)
	return nil
}

// StartOrder returns the dependency-respecting start order.
func (m *Manager) StartOrder() ([]string, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return resolveOrder(m.ids, m.configs)
}

// orderedIDs is StartOrder that falls back to registration order. Caller
// holds stateMu.
func (m *Manager) orderedIDs() []string {
	order, err := resolveOrder(m.ids, m.configs)
	if err != nil {
		return append([]string(nil), m.ids...)
	}
	return order
}

// IsRunning reports whether the system is marked running.
func (m *Manager) IsRunning() bool { return m.running.Load() }

// GetProcessState returns a copy of one process state.
func (m *Manager) GetProcessState(id string) (process.State, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return process.State{}, false
	}
	return st.Clone(), true
}

// GetProcessConfig returns the registered configuration of one process.
func (m *Manager) GetProcessConfig(id string) (process.Config, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	cfg, ok := m.configs[id]
	return cfg, ok
}

// GetSystemStatus returns processes in start order together with aggregate
// health and metrics.
func (m *Manager) GetSystemStatus() SystemStatus {
	met := m.GetSystemMetrics()
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	order := m.orderedIDs()
	procs := make([]process.State, 0, len(order))
	for _, id := range order {
		procs = append(procs, m.states[id].Clone())
	}
	return SystemStatus{
		Running:   m.running.Load(),
		Health:    classify(met.TotalProcesses, met.RunningProcesses, met.HealthyProcesses),
		Processes: procs,
		Metrics:   met,
		StartedAt: m.startedAt,
	}
}

// GetSystemMetrics summarizes process counts, scores and host memory.
func (m *Manager) GetSystemMetrics() SystemMetrics {
	m.stateMu.RLock()
	met := m.countersLocked()
	m.stateMu.RUnlock()
	met.MemoryUsageMB = m.memoryMB(context.Background())
	return met
}

func (m *Manager) countersLocked() SystemMetrics {
	met := SystemMetrics{TotalProcesses: len(m.states), LastStabilityCheck: m.lastStableAt}
	scoreSum := 0
	for _, st := range m.states {
		met.TotalRestarts += st.RestartCount
		if st.Status != process.StatusRunning {
			continue
		}
		met.RunningProcesses++
		scoreSum += st.HealthScore
		if st.HealthScore >= m.healthyScore {
			met.HealthyProcesses++
		}
	}
	if met.RunningProcesses > 0 {
		met.AverageHealthScore = float64(scoreSum) / float64(met.RunningProcesses)
	}
	if !m.startedAt.IsZero() && m.running.Load() {
		met.SystemUptime = m.clock.Since(m.startedAt)
	}
	return met
}

func (m *Manager) memoryMB(ctx context.Context) float64 {
	if m.sampler == nil {
		return 0
	}
	if mr, ok := m.sampler.(sysinfo.MemoryReader); ok {
		v, err := mr.MemoryMB(ctx)
		if err != nil {
			m.logger.Debug("manager: memory read failed", "error", err)
			return 0
		}
		return v
	}
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Debug("manager: resource sample failed", "error", err)
		return 0
	}
	return s.MemoryMB
}

// classify maps process counts onto an aggregate health level.
func classify(total, running, healthy int) Health {
	switch {
	case total == 0:
		return HealthHealthy
	case running == 0:
		return HealthCritical
	case float64(healthy) >= max(1, float64(total)*0.5):
		return HealthHealthy
	case float64(running) >= max(1, float64(total)*0.3):
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// statusPayload builds the payload of a SYSTEM_* event.
func (m *Manager) statusPayload(status string, stable bool) eventbus.SystemStatusPayload {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	now := m.clock.Now()
	met := m.countersLocked()
	services := make([]eventbus.ServiceStatus, 0, len(m.ids))
	for _, id := range m.orderedIDs() {
		st := m.states[id]
		svc := eventbus.ServiceStatus{ID: id, Name: st.Name, Status: eventbus.ServiceDown}
		if st.Status == process.StatusRunning {
			svc.Status = eventbus.ServiceDegraded
			if st.HealthScore >= m.healthyScore {
				svc.Status = eventbus.ServiceUp
			}
		}
		if !st.LastHealthCheck.IsZero() {
			svc.ResponseAge = now.Sub(st.LastHealthCheck)
		}
		services = append(services, svc)
	}
	return eventbus.SystemStatusPayload{
		Status:   status,
		Stable:   stable,
		Services: services,
		Metrics: eventbus.SystemCounters{
			Uptime:           met.SystemUptime,
			TotalProcesses:   met.TotalProcesses,
			RunningProcesses: met.RunningProcesses,
			HealthyProcesses: met.HealthyProcesses,
			TotalRestarts:    met.TotalRestarts,
		},
	}
}

func (m *Manager) emitSystem(t eventbus.Type, status string, stable bool) {
	m.enqueue(eventbus.Event{Type: t, Source: Source, Payload: m.statusPayload(status, stable)})
}

func (m *Manager) emitProcess(t eventbus.Type, p eventbus.ProcessPayload) {
	m.enqueue(eventbus.Event{Type: t, Source: Source, Payload: p})
}

func (m *Manager) enqueue(e eventbus.Event) {
	m.pendMu.Lock()
	m.pending = append(m.pending, e)
	m.pendMu.Unlock()
}

// unlock releases opMu and delivers the events queued under it.
func (m *Manager) unlock() {
	m.opMu.Unlock()
	m.flush()
}

// flush delivers queued events in order. A flush started from inside a
// handler returns at once; the outer flush picks up what it queued.
func (m *Manager) flush() {
	m.pendMu.Lock()
	if m.flushing {
		m.pendMu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.pendMu.Unlock()
		for _, e := range batch {
			m.bus.Emit(e)
		}
		m.pendMu.Lock()
	}
	m.flushing = false
	m.pendMu.Unlock()
}

// Dispose stops the system if it is running, cancels timers and forgets every
// registered process. Calling it again is a no-op.
func (m *Manager) Dispose(ctx context.Context) {
	if m.running.Load() {
		res := m.StopSystem(ctx)
		if !res.Success {
			m.logger.Warn("manager: stop during dispose", "message", res.Message, "errors", res.Errors)
		}
	}
	m.cancelTimers()
	m.opMu.Lock()
	defer m.unlock()
	m.stateMu.Lock()
	m.ids = nil
	m.configs = make(map[string]process.Config)
	m.states = make(map[string]*process.State)
	m.startedAt = time.Time{}
	m.stateMu.Unlock()
}
