// Package watchdog samples host resource usage, mirrors the system status
// published by the manager and derives performance and stability scores.
// It raises alerts on the event bus and never touches process lifecycle.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/loykin/procwatch/internal/sysinfo"
	"k8s.io/utils/clock"
)

const (
	Source = "watchdog"

	DefaultInterval      = 30 * time.Second
	DefaultRetention     = 5 * time.Minute
	DefaultAlertCapacity = 100
)

// AlertType names an alert condition.
type AlertType string

const (
	AlertMemoryLeak             AlertType = "memory_leak"
	AlertHighErrorRate          AlertType = "high_error_rate"
	AlertPerformanceDegradation AlertType = "performance_degradation"
	AlertFrequentRestarts       AlertType = "frequent_restarts"
)

// Alert is one raised alert.
type Alert struct {
	ID        string                 `json:"id"`
	Type      AlertType              `json:"type"`
	Severity  eventbus.Severity      `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Metrics   eventbus.AlertSnapshot `json:"metrics"`
}

// Metrics is the watchdog's view of the system.
type Metrics struct {
	CPU              []Point   `json:"cpu"`
	Memory           []Point   `json:"memory"`
	ErrorRate        float64   `json:"error_rate"`
	RestartCount     int       `json:"restart_count"`
	PerformanceScore int       `json:"performance_score"`
	StabilityScore   int       `json:"stability_score"`
	MemoryLeak       bool      `json:"memory_leak"`
	LastCollected    time.Time `json:"last_collected,omitzero"`
}

func (m Metrics) clone() Metrics {
	m.CPU = append([]Point(nil), m.CPU...)
	m.Memory = append([]Point(nil), m.Memory...)
	return m
}

// Bus is what the watchdog needs from the event bus.
type Bus interface {
	eventbus.Emitter
	eventbus.Subscriber
}

// Option configures a Watchdog.
type Option func(*Watchdog)

func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithClock(c clock.WithTicker) Option {
	return func(w *Watchdog) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithSampler replaces the gopsutil sampler of the current process.
func WithSampler(s sysinfo.Sampler) Option {
	return func(w *Watchdog) { w.sampler = s }
}

func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.retention = d
		}
	}
}

// WithCPUWindow sets the CPU measurement window of the default sampler.
func WithCPUWindow(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.cpuWindow = d
		}
	}
}

func WithAlertCapacity(n int) Option {
	return func(w *Watchdog) {
		if n > 0 {
			w.alerts = newRing(n)
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(w *Watchdog) { w.policy = p }
}

// WithObserver registers a callback invoked with a copy of the metrics after
// every collection.
func WithObserver(fn func(Metrics)) Option {
	return func(w *Watchdog) {
		if fn != nil {
			w.observers = append(w.observers, fn)
		}
	}
}

type mirror struct {
	services []eventbus.ServiceStatus
	restarts int
	status   string
}

// Watchdog periodically scores the system and raises alerts.
type Watchdog struct {
	mu      sync.Mutex
	metrics Metrics
	mirror  mirror
	alerts  *ring
	// active holds the severity last raised per alert type while its
	// condition stays true.
	active map[AlertType]eventbus.Severity

	bus       Bus
	subs      []eventbus.Subscription
	logger    *slog.Logger
	clock     clock.WithTicker
	sampler   sysinfo.Sampler
	policy    Policy
	observers []func(Metrics)

	interval  time.Duration
	retention time.Duration
	cpuWindow time.Duration

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a watchdog and subscribes it to system status events on bus.
func New(bus Bus, opts ...Option) *Watchdog {
	w := &Watchdog{
		metrics:   Metrics{PerformanceScore: 100, StabilityScore: 100},
		alerts:    newRing(DefaultAlertCapacity),
		active:    make(map[AlertType]eventbus.Severity),
		bus:       bus,
		logger:    slog.Default(),
		clock:     clock.RealClock{},
		policy:    DefaultPolicy(),
		interval:  DefaultInterval,
		retention: DefaultRetention,
		cpuWindow: sysinfo.DefaultCPUWindow,
	}
	for _, o := range opts {
		o(w)
	}
	if w.sampler == nil {
		if s, err := sysinfo.Self(w.cpuWindow); err == nil {
			w.sampler = s
		} else {
			w.logger.Warn("watchdog: resource sampling unavailable", "error", err)
		}
	}
	if bus != nil {
		for _, t := range eventbus.SystemTypes() {
			w.subs = append(w.subs, bus.On(t, w.onSystemStatus))
		}
	}
	return w
}

func (w *Watchdog) onSystemStatus(e eventbus.Event) {
	var p eventbus.SystemStatusPayload
	switch v := e.Payload.(type) {
	case eventbus.SystemStatusPayload:
		p = v
	case *eventbus.SystemStatusPayload:
		if v == nil {
			return
		}
		p = *v
	default:
		return
	}
	w.mu.Lock()
	w.mirror = mirror{
		services: append([]eventbus.ServiceStatus(nil), p.Services...),
		restarts: p.Metrics.TotalRestarts,
		status:   p.Status,
	}
	w.mu.Unlock()
}

// Start runs Collect every interval until Stop or ctx ends. Calling Start on
// a running watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	t := w.clock.NewTicker(w.interval)
	go func(done chan struct{}) {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C():
				w.Collect(ctx)
			}
		}
	}(w.done)
	w.logger.Info("watchdog started", "interval", w.interval, "retention", w.retention)
}

// Stop halts the periodic loop and waits for an in-flight collection.
func (w *Watchdog) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.done = nil
	w.logger.Info("watchdog stopped")
}

// Close stops the loop and drops the bus subscriptions.
func (w *Watchdog) Close() {
	w.Stop()
	if w.bus == nil {
		return
	}
	for _, s := range w.subs {
		w.bus.Off(s)
	}
	w.subs = nil
}

// Collect runs one sampling and scoring pass.
func (w *Watchdog) Collect(ctx context.Context) {
	now := w.clock.Now()
	var (
		sample  sysinfo.Sample
		sampled bool
	)
	if w.sampler != nil {
		s, err := w.sampler.Sample(ctx)
		if err != nil {
			w.logger.Warn("watchdog: sample skipped", "error", err)
		} else {
			sample, sampled = s, true
		}
	}

	w.mu.Lock()
	if sampled {
		w.metrics.Memory = append(w.metrics.Memory, Point{Timestamp: now, Value: sample.MemoryMB})
		w.metrics.CPU = append(w.metrics.CPU, Point{Timestamp: now, Value: sample.CPUPercent})
	}
	cutoff := now.Add(-w.retention)
	w.metrics.Memory = prune(w.metrics.Memory, cutoff)
	w.metrics.CPU = prune(w.metrics.CPU, cutoff)

	w.metrics.ErrorRate = errorRate(w.mirror.services)
	w.metrics.RestartCount = w.mirror.restarts
	w.metrics.MemoryLeak = w.policy.DetectMemoryLeak(w.metrics.Memory)
	w.metrics.PerformanceScore = w.policy.PerformanceScore(average(w.metrics.Memory), average(w.metrics.CPU), w.metrics.ErrorRate)
	recent := w.alerts.countSince(now.Add(-w.policy.AlertBurstWindow))
	w.metrics.StabilityScore = w.policy.StabilityScore(w.metrics.RestartCount, w.metrics.MemoryLeak, recent)
	w.metrics.LastCollected = now

	raised := w.evaluateLocked(now)
	snapshot := w.metrics.clone()
	w.mu.Unlock()

	for _, a := range raised {
		w.logger.Warn("watchdog alert", "type", string(a.Type), "severity", string(a.Severity), "message", a.Message)
		if w.bus != nil {
			w.bus.Emit(eventbus.Event{
				ID:        a.ID,
				Type:      eventbus.WatchdogAlert,
				Timestamp: a.Timestamp,
				Source:    Source,
				Payload: eventbus.AlertPayload{
					AlertType: string(a.Type),
					Severity:  a.Severity,
					Message:   a.Message,
					Metrics:   a.Metrics,
				},
			})
		}
	}
	for _, fn := range w.observers {
		fn(snapshot)
	}
}

// evaluateLocked checks every alert condition. An alert is raised when its
// condition becomes true or its severity rises; it re-arms once the
// condition clears.
func (w *Watchdog) evaluateLocked(now time.Time) []Alert {
	m := w.metrics
	p := w.policy
	snap := eventbus.AlertSnapshot{
		MemoryMB:         last(m.Memory),
		CPUPercent:       last(m.CPU),
		ErrorRate:        m.ErrorRate,
		RestartCount:     m.RestartCount,
		PerformanceScore: m.PerformanceScore,
		StabilityScore:   m.StabilityScore,
	}

	type condition struct {
		typ      AlertType
		severity eventbus.Severity
		message  string
	}
	var conds []condition
	if m.MemoryLeak {
		conds = append(conds, condition{AlertMemoryLeak, eventbus.SeverityWarning,
			fmt.Sprintf("memory grew across the last %d samples (now %.1f MB)", p.LeakSamples, snap.MemoryMB)})
	}
	switch {
	case m.ErrorRate > p.ErrorRateHigh:
		conds = append(conds, condition{AlertHighErrorRate, eventbus.SeverityCritical,
			fmt.Sprintf("error rate %.1f%% above %.0f%%", m.ErrorRate, p.ErrorRateHigh)})
	case m.ErrorRate > p.ErrorRateWarn:
		conds = append(conds, condition{AlertHighErrorRate, eventbus.SeverityWarning,
			fmt.Sprintf("error rate %.1f%% above %.0f%%", m.ErrorRate, p.ErrorRateWarn)})
	}
	if m.PerformanceScore < p.PerformanceAlertBelow {
		conds = append(conds, condition{AlertPerformanceDegradation, eventbus.SeverityWarning,
			fmt.Sprintf("performance score %d below %d", m.PerformanceScore, p.PerformanceAlertBelow)})
	}
	switch {
	case m.RestartCount > p.RestartHigh:
		conds = append(conds, condition{AlertFrequentRestarts, eventbus.SeverityCritical,
			fmt.Sprintf("%d process restarts recorded", m.RestartCount)})
	case m.RestartCount > p.RestartWarn:
		conds = append(conds, condition{AlertFrequentRestarts, eventbus.SeverityWarning,
			fmt.Sprintf("%d process restarts recorded", m.RestartCount)})
	}

	current := make(map[AlertType]bool, len(conds))
	var raised []Alert
	for _, c := range conds {
		current[c.typ] = true
		prev, active := w.active[c.typ]
		if active && rank(prev) >= rank(c.severity) {
			continue
		}
		w.active[c.typ] = c.severity
		a := Alert{
			ID:        uuid.NewString(),
			Type:      c.typ,
			Severity:  c.severity,
			Message:   c.message,
			Timestamp: now,
			Metrics:   snap,
		}
		w.alerts.push(a)
		raised = append(raised, a)
	}
	for typ := range w.active {
		if !current[typ] {
			delete(w.active, typ)
		}
	}
	return raised
}

// Metrics returns a deep copy of the current metrics.
func (w *Watchdog) Metrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics.clone()
}

// Alerts returns the alert history, oldest first.
func (w *Watchdog) Alerts() []Alert {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alerts.list()
}

// MirroredStatus returns the last system status string received from the bus.
func (w *Watchdog) MirroredStatus() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mirror.status
}

func errorRate(services []eventbus.ServiceStatus) float64 {
	if len(services) == 0 {
		return 0
	}
	bad := 0
	for _, s := range services {
		if s.Status != eventbus.ServiceUp {
			bad++
		}
	}
	return float64(bad) / float64(len(services)) * 100
}

func prune(points []Point, cutoff time.Time) []Point {
	i := 0
	for i < len(points) && points[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return points
	}
	return append([]Point(nil), points[i:]...)
}

func average(points []Point) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

func last(points []Point) float64 {
	if len(points) == 0 {
		return 0
	}
	return points[len(points)-1].Value
}

func rank(s eventbus.Severity) int {
	switch s {
	case eventbus.SeverityCritical:
		return 2
	case eventbus.SeverityWarning:
		return 1
	}
	return 0
}
