package manager

import (
	"context"

	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/loykin/procwatch/internal/process"
	"k8s.io/utils/clock"
)

const (
	healthPass  = 5
	healthFalse = -20
	healthError = -30
)

type timerSet struct {
	cancel context.CancelFunc
	ticker clock.Ticker
	stable clock.Timer
}

// armTimers starts the health ticker and, if requested, the stability timer.
// It does nothing and returns false when the system is no longer running.
func (m *Manager) armTimers(stability bool) bool {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if !m.running.Load() {
		return false
	}
	m.stopTimersLocked()
	ctx, cancel := context.WithCancel(context.Background())
	ts := &timerSet{cancel: cancel, ticker: m.clock.NewTicker(m.healthInterval)}
	if stability {
		ts.stable = m.clock.AfterFunc(m.stabilityWindow, m.onStabilityWindow)
	}
	m.timers = ts
	go m.healthLoop(ctx, ts.ticker)
	m.logger.Info("health checks scheduled", "interval", m.healthInterval, "stability_window", stability)
	return true
}

func (m *Manager) cancelTimers() {
	m.timerMu.Lock()
	m.stopTimersLocked()
	m.timerMu.Unlock()
}

func (m *Manager) stopTimersLocked() {
	if m.timers == nil {
		return
	}
	m.timers.cancel()
	m.timers.ticker.Stop()
	if m.timers.stable != nil {
		m.timers.stable.Stop()
	}
	m.timers = nil
}

func (m *Manager) healthLoop(ctx context.Context, t clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			m.sweep(ctx)
		}
	}
}

// sweep health-checks every running process, then publishes the aggregate
// status.
func (m *Manager) sweep(ctx context.Context) {
	if !m.running.Load() {
		return
	}
	m.opMu.Lock()
	defer m.unlock()

	m.stateMu.RLock()
	order := m.orderedIDs()
	m.stateMu.RUnlock()
	for _, id := range order {
		if !m.running.Load() || ctx.Err() != nil {
			return
		}
		m.performHealthCheck(ctx, id)
	}
	if !m.running.Load() || ctx.Err() != nil {
		return
	}

	met := m.GetSystemMetrics()
	switch h := classify(met.TotalProcesses, met.RunningProcesses, met.HealthyProcesses); h {
	case HealthHealthy:
		m.emitSystem(eventbus.SystemHealthy, string(h), false)
	case HealthDegraded:
		m.emitSystem(eventbus.SystemDegraded, string(h), false)
	default:
		m.emitSystem(eventbus.SystemError, string(h), false)
	}
}

// performHealthCheck probes one running process and adjusts its score. A
// PROCESS_HEALTH_CHECK event is raised when the score drops below the low
// threshold. Caller holds opMu.
func (m *Manager) performHealthCheck(ctx context.Context, id string) {
	if !m.running.Load() {
		return
	}
	m.stateMu.RLock()
	cfg, ok := m.configs[id]
	st := m.states[id]
	running := ok && st.Status == process.StatusRunning
	m.stateMu.RUnlock()
	if !running {
		return
	}

	healthy, err := cfg.Process.HealthCheck(ctx)
	if ctx.Err() != nil {
		return
	}

	now := m.clock.Now()
	m.stateMu.Lock()
	if st.Status != process.StatusRunning {
		m.stateMu.Unlock()
		return
	}
	st.LastHealthCheck = now
	prev := st.HealthScore
	var score int
	switch {
	case err != nil:
		score = st.AdjustHealth(healthError)
		st.AppendError(now, "health check: "+err.Error(), m.errorLogSize)
	case !healthy:
		score = st.AdjustHealth(healthFalse)
		st.AppendError(now, "health check reported unhealthy", m.errorLogSize)
	default:
		st.AdjustHealth(healthPass)
		m.stateMu.Unlock()
		return
	}
	recent := st.ErrorsSince(now.Add(-mediumErrorInterval))
	exhausted := st.Exhausted
	m.stateMu.Unlock()

	if err != nil {
		m.logger.Error("health check error", "process", id, "score", score, "error", err)
	} else {
		m.logger.Warn("health check failed", "process", id, "score", score)
	}

	if prev >= m.lowHealth && score < m.lowHealth {
		payload := eventbus.ProcessPayload{
			ProcessID:   id,
			ProcessName: cfg.Name,
			Status:      process.StatusRunning.String(),
			Reason:      eventbus.ReasonLowHealth,
			HealthScore: score,
			Resources:   m.resources(ctx),
		}
		if err != nil {
			payload.Reason = eventbus.ReasonHealthCheckFailed
			payload.Error = err.Error()
		}
		m.emitProcess(eventbus.ProcessHealthCheck, payload)
	}

	if !cfg.AutoRestart || exhausted {
		return
	}
	switch cfg.CriticalLevel {
	case process.CriticalHigh:
		if score <= highRestartScore {
			_ = m.restartProcess(ctx, id)
		}
	case process.CriticalMedium:
		if recent >= mediumErrorBurst {
			_ = m.restartProcess(ctx, id)
		}
	}
}

func (m *Manager) resources(ctx context.Context) *eventbus.Resources {
	if m.sampler == nil {
		return nil
	}
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Debug("manager: resource sample failed", "error", err)
		return nil
	}
	return &eventbus.Resources{CPUPercent: s.CPUPercent, MemoryMB: s.MemoryMB}
}

// onStabilityWindow fires once per start after the stability window.
func (m *Manager) onStabilityWindow() {
	if !m.running.Load() {
		return
	}
	met := m.GetSystemMetrics()
	m.stateMu.Lock()
	m.lastStableAt = m.clock.Now()
	m.stateMu.Unlock()
	if met.TotalProcesses == 0 || met.HealthyProcesses != met.TotalProcesses {
		m.logger.Info("stability window elapsed with unhealthy processes", "healthy", met.HealthyProcesses, "total", met.TotalProcesses)
		return
	}
	m.logger.Info("system stable", "window", m.stabilityWindow, "processes", met.TotalProcesses)
	m.emitSystem(eventbus.SystemHealthy, string(HealthHealthy), true)
	m.flush()
}
