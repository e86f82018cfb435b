package api

import (
	"context"
	"net/http"

	"github.com/vehicle-control/vcc/internal/sequence"
)

// SequencePort is the slice of the sequence engine the API drives.
type SequencePort interface {
	Submit(ctx context.Context, seq sequence.Sequence) (run sequence.Run, stored bool, err error)
	RunAbort(ctx context.Context) (sequence.Run, error)
	GetRun(id string) (sequence.Run, bool)
	Runs() []sequence.Run
}

// TriggerPort persists triggers and keeps the live monitor in step.
type TriggerPort interface {
	SaveTrigger(ctx context.Context, trig sequence.Trigger) error
	ListTriggers(ctx context.Context) ([]sequence.Trigger, error)
	DeleteTrigger(ctx context.Context, name string) error
}

// TriggerMonitorPort is the live evaluation side of triggers.
type TriggerMonitorPort interface {
	Set(trig sequence.Trigger)
	Delete(name string)
}

// TelemetryPort streams SSE to one console.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}
