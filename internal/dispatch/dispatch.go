// Package dispatch translates logical device actions into effects: a
// sensor read served from the vehicle state store, or a valve actuation
// serialized and transmitted to the owning board. The default path is the
// NetworkDispatcher; an embedding process may substitute a
// HandlerDispatcher to supply its own I/O layer.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/vehicle-control/vcc/internal/unit"
)

// Normalized dispatch error codes.
var (
	ErrUnknownDevice = errors.New("UNKNOWN_DEVICE")
	ErrNotAValve     = errors.New("NOT_A_VALVE")
	ErrInvalidAction = errors.New("INVALID_ACTION")
	ErrTransport     = errors.New("TRANSPORT")
)

// DeviceError wraps a failure against one node with its normalized code.
type DeviceError struct {
	Code     error
	Node     string
	Original error
}

func (e *DeviceError) Error() string {
	if e.Original != nil {
		return fmt.Sprintf("%v: node %s: %v", e.Code, e.Node, e.Original)
	}
	return fmt.Sprintf("%v: node %s", e.Code, e.Node)
}

func (e *DeviceError) Unwrap() error {
	return e.Code
}

// ActionKind discriminates device actions.
type ActionKind int

const (
	// KindReadSensor requests the node's latest cached reading.
	KindReadSensor ActionKind = iota

	// KindActuateValve commands the node's valve to a desired state.
	KindActuateValve
)

// String returns the audit-facing name of the action kind.
func (k ActionKind) String() string {
	switch k {
	case KindReadSensor:
		return "readSensor"
	case KindActuateValve:
		return "actuateValve"
	default:
		return "unknown"
	}
}

// Action is one logical device request.
type Action struct {
	Kind ActionKind

	// Desired is the target valve state for KindActuateValve; it must be
	// ValveOpen or ValveClosed.
	Desired unit.ValveState
}

// ReadSensor builds a sensor read action.
func ReadSensor() Action {
	return Action{Kind: KindReadSensor}
}

// ActuateValve builds a valve actuation action.
func ActuateValve(desired unit.ValveState) Action {
	return Action{Kind: KindActuateValve, Desired: desired}
}

// Dispatcher resolves a node name and performs an action against it.
// Dispatch returns a measurement only for sensor reads; a nil measurement
// with a nil error means the node has no cached reading yet.
type Dispatcher interface {
	Dispatch(ctx context.Context, textID string, action Action) (*unit.Measurement, error)
}

// PoweredFlag computes the physical output state for a desired valve
// position given the valve's polarity.
func PoweredFlag(desired unit.ValveState, normallyClosed bool) bool {
	return (desired == unit.ValveOpen) != normallyClosed
}

type actorKey struct{}

// WithActor tags the context with the identity performing the dispatch,
// for audit records.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return "local"
}
