package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/loykin/procwatch/internal/process"
	"golang.org/x/sync/errgroup"
)

// StartOptions tunes StartSystem.
type StartOptions struct {
	// SkipStabilityCheck disables the one-shot stability notification.
	SkipStabilityCheck bool
}

// StartResult reports the outcome of StartSystem.
type StartResult struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// StopResult reports the outcome of StopSystem.
type StopResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// StartSystem starts every registered process in dependency order.
// A failing high-criticality process aborts the start and rolls back through
// an emergency shutdown; other failures are reported as warnings.
func (m *Manager) StartSystem(ctx context.Context, opts StartOptions) StartResult {
	res := StartResult{Errors: []string{}, Warnings: []string{}}
	m.opMu.Lock()
	defer m.unlock()

	if !m.running.CompareAndSwap(false, true) {
		res.Message = "system is already running"
		res.Errors = append(res.Errors, CodeAlreadyRunning)
		return res
	}

	order, err := m.StartOrder()
	if err != nil {
		m.running.Store(false)
		res.Message = "invalid process configuration"
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	m.stateMu.Lock()
	m.startedAt = m.clock.Now()
	m.stateMu.Unlock()
	m.logger.Info("starting system", "order", order)

	for _, id := range order {
		if !m.running.Load() {
			res.Message = "system start interrupted by stop"
			return res
		}
		cfg, _ := m.GetProcessConfig(id)
		if err := m.startProcess(ctx, id); err != nil {
			msg := fmt.Sprintf("process %s failed to start: %v", cfg.Name, err)
			res.Errors = append(res.Errors, msg)
			m.logger.Error("process start failed", "process", id, "error", err)
			if cfg.CriticalLevel == process.CriticalHigh {
				m.emergencyShutdown(context.WithoutCancel(ctx), "critical process "+cfg.Name+" failed to start")
				res.Message = fmt.Sprintf("critical process %s failed, system start aborted", cfg.Name)
				return res
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("non-critical process %s failed to start", cfg.Name))
			continue
		}
		delay := cfg.StartupDelay
		if delay == 0 {
			delay = m.startupDelay
		}
		if err := m.sleep(ctx, delay); err != nil {
			res.Errors = append(res.Errors, err.Error())
			m.emergencyShutdown(context.WithoutCancel(ctx), "system start cancelled")
			res.Message = "system start cancelled"
			return res
		}
	}

	if !m.armTimers(!opts.SkipStabilityCheck) {
		res.Message = "system start interrupted by stop"
		return res
	}
	m.emitSystem(eventbus.SystemHealthy, string(HealthHealthy), false)

	met := m.GetSystemMetrics()
	res.Success = true
	res.Message = fmt.Sprintf("system started (%d/%d processes running)", met.RunningProcesses, met.TotalProcesses)
	m.logger.Info("system started", "running", met.RunningProcesses, "total", met.TotalProcesses, "warnings", len(res.Warnings))
	return res
}

// StopSystem stops every process in reverse start order. Timers are
// cancelled before waiting for an operation in progress.
func (m *Manager) StopSystem(ctx context.Context) StopResult {
	res := StopResult{Errors: []string{}}
	if !m.running.CompareAndSwap(true, false) {
		res.Message = "system is not running"
		res.Errors = append(res.Errors, CodeNotRunning)
		return res
	}
	m.cancelTimers()

	m.opMu.Lock()
	defer m.unlock()
	m.logger.Info("stopping system")

	m.stateMu.RLock()
	order := m.orderedIDs()
	m.stateMu.RUnlock()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if err := m.stopProcess(ctx, id); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("process %s failed to stop: %v", id, err))
		}
	}

	m.emitSystem(eventbus.SystemDegraded, string(HealthDegraded), false)

	stopped := 0
	m.stateMu.RLock()
	total := len(m.states)
	for _, st := range m.states {
		if st.Status == process.StatusStopped {
			stopped++
		}
	}
	m.stateMu.RUnlock()
	res.Success = true
	res.Message = fmt.Sprintf("system stopped (%d/%d processes stopped)", stopped, total)
	m.logger.Info("system stopped", "stopped", stopped, "total", total, "errors", len(res.Errors))
	return res
}

// emergencyShutdown stops every process that is not already stopped, in
// parallel, and never fails. Caller holds opMu.
func (m *Manager) emergencyShutdown(ctx context.Context, reason string) {
	m.logger.Error("emergency shutdown", "reason", reason)
	m.running.Store(false)
	m.cancelTimers()

	m.stateMu.RLock()
	var ids []string
	for _, id := range m.ids {
		if m.states[id].Status != process.StatusStopped {
			ids = append(ids, id)
		}
	}
	m.stateMu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := m.stopProcess(ctx, id); err != nil {
				m.logger.Error("emergency stop failed", "process", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.emitSystem(eventbus.SystemError, string(HealthCritical), false)
}

// startProcess brings one process to running. Caller holds opMu.
func (m *Manager) startProcess(ctx context.Context, id string) error {
	m.stateMu.Lock()
	cfg, ok := m.configs[id]
	if !ok {
		m.stateMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	st := m.states[id]
	if st.Status == process.StatusRunning {
		m.stateMu.Unlock()
		return nil
	}
	if !st.Status.CanStart() {
		status := st.Status
		m.stateMu.Unlock()
		return fmt.Errorf("process %s is %s", id, status)
	}
	st.Status = process.StatusStarting
	st.StartedAt = m.clock.Now()
	var depErr error
	for _, dep := range cfg.Dependencies {
		ds, known := m.states[dep]
		if !known || ds.Status != process.StatusRunning {
			depErr = fmt.Errorf("%w: %s", ErrDependencyNotReady, dep)
			break
		}
	}
	m.stateMu.Unlock()
	m.logger.Info("starting process", "process", id)

	err := depErr
	if err == nil {
		err = cfg.Process.Start(ctx)
	}
	if err == nil {
		err = m.probe(ctx, cfg)
	}
	if err != nil {
		return m.failStart(ctx, cfg, err)
	}

	m.stateMu.Lock()
	st.Status = process.StatusRunning
	st.HealthScore = process.MaxHealthScore
	st.Errors = []process.ErrorEntry{}
	st.LastHealthCheck = m.clock.Now()
	m.stateMu.Unlock()

	m.logger.Info("process started", "process", id)
	m.emitProcess(eventbus.ProcessStarted, eventbus.ProcessPayload{
		ProcessID:   id,
		ProcessName: cfg.Name,
		Status:      process.StatusRunning.String(),
		Reason:      eventbus.ReasonStarted,
		HealthScore: process.MaxHealthScore,
	})
	return nil
}

// probe runs the initial health checks. Any passing probe is enough.
func (m *Manager) probe(ctx context.Context, cfg process.Config) error {
	var last error
	for i := 0; i < m.probeAttempts; i++ {
		ok, err := cfg.Process.HealthCheck(ctx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			last = err
			m.logger.Warn("initial health probe failed", "process", cfg.ID, "attempt", i+1, "error", err)
		}
		if i < m.probeAttempts-1 {
			if serr := m.sleep(ctx, m.probeInterval); serr != nil {
				return serr
			}
		}
	}
	if last != nil {
		return fmt.Errorf("initial health check failed: %w", last)
	}
	return errors.New("initial health check failed")
}

// failStart records a failed start and applies the automatic restart policy.
// It returns nil only when a restart brought the process back.
func (m *Manager) failStart(ctx context.Context, cfg process.Config, cause error) error {
	now := m.clock.Now()
	m.stateMu.Lock()
	st := m.states[cfg.ID]
	st.Status = process.StatusError
	st.StoppedAt = now
	st.AppendError(now, cause.Error(), m.errorLogSize)
	score := st.HealthScore
	restartCount := st.RestartCount
	exhausted := st.Exhausted
	m.stateMu.Unlock()

	m.emitProcess(eventbus.ProcessError, eventbus.ProcessPayload{
		ProcessID:   cfg.ID,
		ProcessName: cfg.Name,
		Status:      process.StatusError.String(),
		Reason:      eventbus.ReasonStartFailed,
		Error:       cause.Error(),
		HealthScore: score,
	})

	if !cfg.AutoRestart || exhausted || ctx.Err() != nil {
		return cause
	}
	if restartCount < cfg.MaxRestarts {
		if err := m.restartProcess(ctx, cfg.ID); err == nil {
			return nil
		}
		return cause
	}
	m.markExhausted(cfg)
	return cause
}

// stopProcess stops one process unless it is already stopped. Caller holds
// opMu, or runs inside emergencyShutdown.
func (m *Manager) stopProcess(ctx context.Context, id string) error {
	m.stateMu.Lock()
	cfg, ok := m.configs[id]
	if !ok {
		m.stateMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	st := m.states[id]
	if st.Status == process.StatusStopped {
		m.stateMu.Unlock()
		return nil
	}
	wasRunning := st.Status == process.StatusRunning
	st.Status = process.StatusStopping
	m.stateMu.Unlock()

	if err := cfg.Process.Stop(ctx); err != nil {
		now := m.clock.Now()
		m.stateMu.Lock()
		st.Status = process.StatusError
		st.AppendError(now, "stop: "+err.Error(), m.errorLogSize)
		score := st.HealthScore
		m.stateMu.Unlock()
		m.logger.Error("process stop failed", "process", id, "error", err)
		m.emitProcess(eventbus.ProcessError, eventbus.ProcessPayload{
			ProcessID:   id,
			ProcessName: cfg.Name,
			Status:      process.StatusError.String(),
			Reason:      eventbus.ReasonStopFailed,
			Error:       err.Error(),
			HealthScore: score,
		})
		return err
	}

	m.stateMu.Lock()
	st.MarkStopped(m.clock.Now(), wasRunning)
	m.stateMu.Unlock()
	m.logger.Info("process stopped", "process", id)
	return nil
}

// restartProcess consumes one unit of the restart budget, or marks the
// process exhausted when none is left. Caller holds opMu.
func (m *Manager) restartProcess(ctx context.Context, id string) error {
	m.stateMu.Lock()
	cfg, ok := m.configs[id]
	if !ok {
		m.stateMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	st := m.states[id]
	if st.Exhausted || st.RestartCount >= cfg.MaxRestarts {
		m.stateMu.Unlock()
		m.markExhausted(cfg)
		return fmt.Errorf("%w: %s", ErrRestartBudgetExhausted, id)
	}
	st.RestartCount++
	attempt := st.RestartCount
	if st.Status == process.StatusRunning {
		st.MarkStopped(m.clock.Now(), true)
	}
	st.Status = process.StatusRestarting
	score := st.HealthScore
	m.stateMu.Unlock()

	m.logger.Warn("restarting process", "process", id, "attempt", attempt, "max", cfg.MaxRestarts)
	m.emitProcess(eventbus.ProcessError, eventbus.ProcessPayload{
		ProcessID:   id,
		ProcessName: cfg.Name,
		Status:      process.StatusRestarting.String(),
		Reason:      eventbus.ReasonRestarting,
		HealthScore: score,
		Attempt:     attempt,
		MaxAttempts: cfg.MaxRestarts,
	})

	if err := m.stopProcess(ctx, id); err != nil {
		m.logger.Warn("stop before restart failed", "process", id, "error", err)
	} else {
		m.stateMu.Lock()
		st.Status = process.StatusRestarting
		m.stateMu.Unlock()
	}

	if err := m.sleep(ctx, m.restartCooldown); err != nil {
		m.stateMu.Lock()
		st.Status = process.StatusError
		m.stateMu.Unlock()
		return err
	}
	return m.startProcess(ctx, id)
}

func (m *Manager) markExhausted(cfg process.Config) {
	m.stateMu.Lock()
	st := m.states[cfg.ID]
	already := st.Exhausted
	st.Status = process.StatusError
	st.Exhausted = true
	restarts := st.RestartCount
	score := st.HealthScore
	m.stateMu.Unlock()
	if already {
		return
	}
	m.logger.Error("restart budget exhausted", "process", cfg.ID, "restarts", restarts, "max", cfg.MaxRestarts)
	m.emitProcess(eventbus.ProcessError, eventbus.ProcessPayload{
		ProcessID:   cfg.ID,
		ProcessName: cfg.Name,
		Status:      process.StatusError.String(),
		Reason:      eventbus.ReasonMaxRestartsExceeded,
		Error:       ErrRestartBudgetExhausted.Error(),
		HealthScore: score,
		Attempt:     restarts,
		MaxAttempts: cfg.MaxRestarts,
	})
}

// StartProcess starts a single process. Its dependencies must be running.
func (m *Manager) StartProcess(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.unlock()
	return m.startProcess(ctx, id)
}

// StopProcess stops a single process.
func (m *Manager) StopProcess(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.unlock()
	return m.stopProcess(ctx, id)
}

// RestartProcess stops and starts a single process on operator request. It
// does not consume the automatic restart budget.
func (m *Manager) RestartProcess(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.unlock()
	if err := m.stopProcess(ctx, id); err != nil {
		if errors.Is(err, ErrUnknownProcess) {
			return err
		}
		m.logger.Warn("stop before restart failed", "process", id, "error", err)
	}
	return m.startProcess(ctx, id)
}

// ResetProcess clears the restart budget of a process, making an exhausted
// process eligible for automatic restarts again.
func (m *Manager) ResetProcess(id string) error {
	m.opMu.Lock()
	defer m.unlock()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	st.RestartCount = 0
	st.Exhausted = false
	m.logger.Info("process restart budget reset", "process", id)
	return nil
}

// sleep waits d on the manager clock or until ctx ends.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := m.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
