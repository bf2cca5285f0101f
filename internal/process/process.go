// Package process describes the units supervised by the manager: their
// capabilities (start, stop, health check), their immutable configuration
// and their mutable lifecycle state.
package process

import "context"

// Process is the capability set the manager needs from a managed unit.
// A Process is not necessarily an OS process.
type Process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// HealthCheck returns false for an unhealthy answer and an error when
	// the probe itself could not be performed.
	HealthCheck(ctx context.Context) (bool, error)
}

// Funcs adapts plain functions to Process. A nil StopFunc is a no-op and a
// nil HealthFunc always reports healthy.
type Funcs struct {
	StartFunc  func(ctx context.Context) error
	StopFunc   func(ctx context.Context) error
	HealthFunc func(ctx context.Context) (bool, error)
}

func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

func (f Funcs) HealthCheck(ctx context.Context) (bool, error) {
	if f.HealthFunc == nil {
		return true, nil
	}
	return f.HealthFunc(ctx)
}
