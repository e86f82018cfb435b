package sequence

import (
	"context"

	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/unit"
)

// Device is a capability handle bound into a script's execution context
// under its node's text identifier.
type Device interface {
	DeviceName() string
}

// Sensor is the read capability for one node. Every read goes through the
// dispatcher against the live state; the handle caches nothing, so
// comparisons always reflect the current reading.
type Sensor struct {
	name       string
	dispatcher dispatch.Dispatcher
}

// NewSensor binds a sensor handle to a node name.
func NewSensor(name string, d dispatch.Dispatcher) *Sensor {
	return &Sensor{name: name, dispatcher: d}
}

// DeviceName implements Device.
func (s *Sensor) DeviceName() string { return s.name }

// Read returns the node's latest measurement. A node with no reading yet
// yields the no-data measurement, not an error.
func (s *Sensor) Read(ctx context.Context) (unit.Measurement, error) {
	m, err := s.dispatcher.Dispatch(ctx, s.name, dispatch.ReadSensor())
	if err != nil {
		return unit.Measurement{}, err
	}
	if m == nil {
		return unit.Measurement{}, nil
	}
	return *m, nil
}

// Above re-reads the sensor and reports whether its value exceeds the
// threshold. A missing or failed reading compares false.
func (s *Sensor) Above(ctx context.Context, threshold float64) bool {
	m, err := s.Read(ctx)
	if err != nil || m.IsNoData() {
		return false
	}
	return m.Value > threshold
}

// Below re-reads the sensor and reports whether its value is under the
// threshold. A missing or failed reading compares false.
func (s *Sensor) Below(ctx context.Context, threshold float64) bool {
	m, err := s.Read(ctx)
	if err != nil || m.IsNoData() {
		return false
	}
	return m.Value < threshold
}

// Valve is the actuation capability for one node.
type Valve struct {
	name       string
	dispatcher dispatch.Dispatcher
}

// NewValve binds a valve handle to a node name.
func NewValve(name string, d dispatch.Dispatcher) *Valve {
	return &Valve{name: name, dispatcher: d}
}

// DeviceName implements Device.
func (v *Valve) DeviceName() string { return v.name }

// Open commands the valve open.
func (v *Valve) Open(ctx context.Context) error {
	return v.Actuate(ctx, unit.ValveOpen)
}

// Close commands the valve closed.
func (v *Valve) Close(ctx context.Context) error {
	return v.Actuate(ctx, unit.ValveClosed)
}

// Actuate commands the valve to the desired state.
func (v *Valve) Actuate(ctx context.Context, desired unit.ValveState) error {
	_, err := v.dispatcher.Dispatch(ctx, v.name, dispatch.ActuateValve(desired))
	return err
}
