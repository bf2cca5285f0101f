package metrics

import (
	"github.com/loykin/procwatch/internal/eventbus"
)

// Recorder translates bus events into metric updates.
type Recorder struct {
	sub  eventbus.Subscriber
	subs []eventbus.Subscription
}

// NewRecorder subscribes to every event type on sub.
func NewRecorder(sub eventbus.Subscriber) *Recorder {
	r := &Recorder{sub: sub}
	for _, t := range eventbus.Types() {
		r.subs = append(r.subs, sub.On(t, r.handle))
	}
	return r
}

// Close removes the recorder's subscriptions.
func (r *Recorder) Close() {
	for _, s := range r.subs {
		r.sub.Off(s)
	}
	r.subs = nil
}

func (r *Recorder) handle(e eventbus.Event) {
	switch p := e.Payload.(type) {
	case eventbus.ProcessPayload:
		r.process(e.Type, p)
	case eventbus.SystemStatusPayload:
		SetSystemStatus(p.Status)
		SetSystemCounts(p.Metrics.TotalProcesses, p.Metrics.RunningProcesses, p.Metrics.HealthyProcesses, p.Metrics.TotalRestarts)
	case eventbus.AlertPayload:
		IncAlert(p.AlertType, string(p.Severity))
	}
}

func (r *Recorder) process(t eventbus.Type, p eventbus.ProcessPayload) {
	switch t {
	case eventbus.ProcessStarted:
		IncStart(p.ProcessID)
		SetHealthScore(p.ProcessID, p.HealthScore)
	case eventbus.ProcessError:
		IncError(p.ProcessID, string(p.Reason))
		if p.Reason == eventbus.ReasonRestarting {
			IncRestart(p.ProcessID)
		}
		SetHealthScore(p.ProcessID, p.HealthScore)
	case eventbus.ProcessHealthCheck:
		IncHealthDegradation(p.ProcessID)
		SetHealthScore(p.ProcessID, p.HealthScore)
	}
}
