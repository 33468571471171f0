package core

import "context"

// Agent is the uniform processing unit contract.
//
// Process never returns an error for failures inside the unit's own work;
// those are folded into a low-confidence Response. An error is returned only
// for infrastructure conditions such as the unit being shut down.
type Agent interface {
	ID() string
	Process(ctx context.Context, req Request) (*Response, error)
	Status() UnitStatus
	Configure(settings map[string]any) error
	Shutdown(ctx context.Context) error
}
