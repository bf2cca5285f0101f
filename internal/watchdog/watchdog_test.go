package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loykin/procwatch/internal/eventbus"
	"github.com/loykin/procwatch/internal/sysinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// seriesSampler replays memory values and then repeats the last one.
type seriesSampler struct {
	mu     sync.Mutex
	memory []float64
	cpu    float64
	err    error
	i      int
}

func (s *seriesSampler) Sample(context.Context) (sysinfo.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return sysinfo.Sample{}, s.err
	}
	v := s.memory[min(s.i, len(s.memory)-1)]
	s.i++
	return sysinfo.Sample{MemoryMB: v, CPUPercent: s.cpu}, nil
}

func (s *seriesSampler) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fixture struct {
	w     *Watchdog
	bus   *eventbus.Bus
	clock *clocktesting.FakeClock

	mu     sync.Mutex
	alerts []eventbus.AlertPayload
}

func newFixture(t *testing.T, s sysinfo.Sampler, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		bus:   eventbus.New(),
		clock: clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.bus.On(eventbus.WatchdogAlert, func(e eventbus.Event) {
		f.mu.Lock()
		f.alerts = append(f.alerts, e.Payload.(eventbus.AlertPayload))
		f.mu.Unlock()
	})
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(f.clock),
		WithSampler(s),
	}
	f.w = New(f.bus, append(base, opts...)...)
	t.Cleanup(f.w.Close)
	return f
}

func (f *fixture) tick(n int) {
	for i := 0; i < n; i++ {
		f.w.Collect(context.Background())
		f.clock.Step(time.Second)
	}
}

func (f *fixture) alertsOf(typ AlertType) []eventbus.AlertPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []eventbus.AlertPayload
	for _, a := range f.alerts {
		if a.AlertType == string(typ) {
			out = append(out, a)
		}
	}
	return out
}

func (f *fixture) publishStatus(restarts int, states ...eventbus.ServiceState) {
	services := make([]eventbus.ServiceStatus, len(states))
	for i, s := range states {
		services[i] = eventbus.ServiceStatus{ID: string(rune('a' + i)), Status: s}
	}
	f.bus.Emit(eventbus.Event{
		Type:   eventbus.SystemDegraded,
		Source: "test",
		Payload: eventbus.SystemStatusPayload{
			Status:   "degraded",
			Services: services,
			Metrics:  eventbus.SystemCounters{TotalRestarts: restarts},
		},
	})
}

func increasing(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)*10
	}
	return out
}

func TestLeakAlertRaisedOncePerWindow(t *testing.T) {
	f := newFixture(t, &seriesSampler{memory: increasing(15)})

	f.tick(9)
	assert.Empty(t, f.alertsOf(AlertMemoryLeak))
	assert.False(t, f.w.Metrics().MemoryLeak)

	f.tick(6)
	assert.True(t, f.w.Metrics().MemoryLeak)
	require.Len(t, f.alertsOf(AlertMemoryLeak), 1)
	assert.Equal(t, eventbus.SeverityWarning, f.alertsOf(AlertMemoryLeak)[0].Severity)

	history := f.w.Alerts()
	require.Len(t, history, 1)
	assert.Equal(t, AlertMemoryLeak, history[0].Type)
	assert.Equal(t, 70, f.w.Metrics().StabilityScore)
}

func TestLeakAlertRearmsAfterClearing(t *testing.T) {
	s := &seriesSampler{memory: increasing(10)}
	f := newFixture(t, s)
	f.tick(10)
	require.Len(t, f.alertsOf(AlertMemoryLeak), 1)

	// memory stays flat: the trend clears
	f.tick(3)
	assert.False(t, f.w.Metrics().MemoryLeak)

	s.mu.Lock()
	s.memory = append(s.memory, increasing(25)[10:]...)
	s.mu.Unlock()
	f.tick(12)
	assert.Len(t, f.alertsOf(AlertMemoryLeak), 2)
}

func TestDetectMemoryLeak(t *testing.T) {
	series := func(vals ...float64) []Point {
		out := make([]Point, len(vals))
		for i, v := range vals {
			out[i] = Point{Value: v}
		}
		return out
	}
	tests := []struct {
		name string
		in   []Point
		want bool
	}{
		{"too few", series(1, 2, 3, 4, 5, 6, 7, 8, 9), false},
		{"all increasing", series(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), true},
		{"one flat pair", series(1, 2, 3, 4, 5, 5, 7, 8, 9, 10), false},
		{"one drop", series(1, 2, 3, 4, 5, 6, 7, 8, 9, 8), false},
		{"older noise ignored", series(50, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10), true},
		{"flat", series(5, 5, 5, 5, 5, 5, 5, 5, 5, 5), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMemoryLeak(tt.in))
		})
	}

	t.Run("custom ratio counts pairs", func(t *testing.T) {
		p := DefaultPolicy()
		p.LeakRatio = 0.5
		// 5 of 9 pairs increase
		assert.True(t, p.DetectMemoryLeak(series(1, 2, 3, 4, 5, 6, 6, 6, 6, 6)))
		// 4 of 9 pairs increase
		assert.False(t, p.DetectMemoryLeak(series(1, 2, 3, 4, 5, 5, 5, 5, 5, 5)))
	})
}

func TestScoresAreClamped(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 100, p.PerformanceScore(100, 10, 0))
	assert.Equal(t, 80, p.PerformanceScore(600, 0, 0))
	assert.Equal(t, 50, p.PerformanceScore(1100, 0, 0))
	assert.Equal(t, 10, p.PerformanceScore(0, 95, 30))
	assert.Equal(t, 0, p.PerformanceScore(2000, 95, 30))

	assert.Equal(t, 100, p.StabilityScore(3, false, 5))
	assert.Equal(t, 80, p.StabilityScore(4, false, 0))
	assert.Equal(t, 40, p.StabilityScore(11, false, 0))
	assert.Equal(t, 0, p.StabilityScore(11, true, 6))
}

func TestMirrorDrivesErrorRateAndRestartAlerts(t *testing.T) {
	f := newFixture(t, &seriesSampler{memory: []float64{100}})

	f.publishStatus(5, eventbus.ServiceUp, eventbus.ServiceDown, eventbus.ServiceDegraded, eventbus.ServiceUp)
	f.tick(1)
	m := f.w.Metrics()
	assert.Equal(t, 50.0, m.ErrorRate)
	assert.Equal(t, 5, m.RestartCount)
	assert.Equal(t, "degraded", f.w.MirroredStatus())

	rate := f.alertsOf(AlertHighErrorRate)
	require.Len(t, rate, 1)
	assert.Equal(t, eventbus.SeverityCritical, rate[0].Severity)
	restarts := f.alertsOf(AlertFrequentRestarts)
	require.Len(t, restarts, 1)
	assert.Equal(t, eventbus.SeverityWarning, restarts[0].Severity)
	assert.Equal(t, 5, restarts[0].Metrics.RestartCount)

	// same condition, no new alert
	f.tick(1)
	assert.Len(t, f.alertsOf(AlertFrequentRestarts), 1)

	// escalation raises again
	f.publishStatus(12, eventbus.ServiceUp)
	f.tick(1)
	restarts = f.alertsOf(AlertFrequentRestarts)
	require.Len(t, restarts, 2)
	assert.Equal(t, eventbus.SeverityCritical, restarts[1].Severity)
	assert.Equal(t, 0.0, f.w.Metrics().ErrorRate)
}

func TestPerformanceDegradationAlert(t *testing.T) {
	f := newFixture(t, &seriesSampler{memory: []float64{2000}, cpu: 95})
	f.tick(3)
	m := f.w.Metrics()
	assert.Equal(t, 10, m.PerformanceScore)
	alerts := f.alertsOf(AlertPerformanceDegradation)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2000.0, alerts[0].Metrics.MemoryMB)
}

func TestFailedSampleIsSkipped(t *testing.T) {
	s := &seriesSampler{memory: []float64{100}}
	f := newFixture(t, s)
	s.setErr(errors.New("proc not readable"))
	require.NotPanics(t, func() { f.tick(2) })
	assert.Empty(t, f.w.Metrics().Memory)
	assert.False(t, f.w.Metrics().LastCollected.IsZero())

	s.setErr(nil)
	f.tick(1)
	assert.Len(t, f.w.Metrics().Memory, 1)
}

func TestRetentionPrunesOldSamples(t *testing.T) {
	f := newFixture(t, &seriesSampler{memory: []float64{100}}, WithRetention(5*time.Second))
	for i := 0; i < 3; i++ {
		f.w.Collect(context.Background())
		f.clock.Step(3 * time.Second)
	}
	m := f.w.Metrics()
	assert.Len(t, m.Memory, 2)
	assert.Len(t, m.CPU, 2)
}

func TestMetricsReturnsCopy(t *testing.T) {
	f := newFixture(t, &seriesSampler{memory: []float64{100}})
	f.tick(1)
	m := f.w.Metrics()
	m.Memory[0].Value = -1
	assert.Equal(t, 100.0, f.w.Metrics().Memory[0].Value)
}

func TestStartRunsOnTicker(t *testing.T) {
	var (
		mu   sync.Mutex
		seen int
	)
	f := newFixture(t, &seriesSampler{memory: []float64{100}},
		WithInterval(time.Minute),
		WithObserver(func(Metrics) {
			mu.Lock()
			seen++
			mu.Unlock()
		}))
	f.w.Start(context.Background())
	f.w.Start(context.Background())

	f.clock.Step(time.Minute)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen >= 1
	}, time.Second, 5*time.Millisecond)
	f.w.Stop()
	f.w.Stop()
	assert.False(t, f.w.Metrics().LastCollected.IsZero())
}

func TestAlertRingKeepsNewest(t *testing.T) {
	r := newRing(2)
	base := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		r.push(Alert{Message: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	list := r.list()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Message)
	assert.Equal(t, "c", list[1].Message)
	assert.Equal(t, 1, r.countSince(base.Add(2*time.Minute)))
}
