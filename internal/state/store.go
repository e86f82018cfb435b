// Package state implements the vehicle state store: the authoritative
// latest-value cache of every node's last-known reading or valve state,
// shared between the telemetry listeners that write it and the dispatcher
// and sequence handles that read it.
package state

import (
	"sync"

	"github.com/vehicle-control/vcc/internal/metrics"
	"github.com/vehicle-control/vcc/internal/unit"
)

// VehicleState is a point-in-time copy of the whole store, keyed by node
// text identifier. A key in UpdateTimes appears in exactly one of
// ValveStates or SensorReadings.
type VehicleState struct {
	ValveStates    map[string]unit.ValveState  `json:"valve_states"`
	SensorReadings map[string]unit.Measurement `json:"sensor_readings"`
	UpdateTimes    map[string]float64          `json:"update_times"`
}

// Store is the concurrently accessed live state. The lock is held only for
// the duration of a single map access; callers must never invoke store
// methods while suspended in a wait primitive, and the store itself never
// blocks on I/O.
//
// Write ordering is last-write-wins by arrival: an update carrying a
// timestamp older than the stored one still lands, but is flagged to the
// caller and counted, since unordered network paths can reorder telemetry.
type Store struct {
	mu      sync.RWMutex
	valves  map[string]unit.ValveState
	sensors map[string]unit.Measurement
	times   map[string]float64

	metrics *metrics.Metrics
}

// NewStore creates an empty store.
func NewStore(m *metrics.Metrics) *Store {
	return &Store{
		valves:  make(map[string]unit.ValveState),
		sensors: make(map[string]unit.Measurement),
		times:   make(map[string]float64),
		metrics: m,
	}
}

// GetSensor returns the latest reading for the node, if any. It never
// blocks on I/O and never errors: an unseen node is simply absent.
func (s *Store) GetSensor(textID string) (unit.Measurement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.sensors[textID]
	return m, ok
}

// GetValve returns the latest valve state for the node, if any.
func (s *Store) GetValve(textID string) (unit.ValveState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.valves[textID]
	return v, ok
}

// UpdateTime returns the last update timestamp for the node, in seconds
// since the UNIX epoch.
func (s *Store) UpdateTime(textID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.times[textID]
	return t, ok
}

// UpdateSensor overwrites the node's reading. A node is either a sensor or
// a valve, never both, so any valve entry under the same name is removed.
// The return value reports whether the write was stale (older timestamp
// than the stored one).
func (s *Store) UpdateSensor(textID string, m unit.Measurement, timestamp float64) bool {
	s.mu.Lock()
	prev, seen := s.times[textID]
	s.sensors[textID] = m
	delete(s.valves, textID)
	s.times[textID] = timestamp
	size := len(s.times)
	s.mu.Unlock()

	stale := seen && timestamp < prev
	if stale {
		s.metrics.ObserveStaleUpdate()
	}
	s.metrics.SetStateNodes(size)
	return stale
}

// UpdateValve overwrites the node's valve state, removing any sensor entry
// under the same name. The return value reports a stale write.
func (s *Store) UpdateValve(textID string, v unit.ValveState, timestamp float64) bool {
	s.mu.Lock()
	prev, seen := s.times[textID]
	s.valves[textID] = v
	delete(s.sensors, textID)
	s.times[textID] = timestamp
	size := len(s.times)
	s.mu.Unlock()

	stale := seen && timestamp < prev
	if stale {
		s.metrics.ObserveStaleUpdate()
	}
	s.metrics.SetStateNodes(size)
	return stale
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() VehicleState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := VehicleState{
		ValveStates:    make(map[string]unit.ValveState, len(s.valves)),
		SensorReadings: make(map[string]unit.Measurement, len(s.sensors)),
		UpdateTimes:    make(map[string]float64, len(s.times)),
	}
	for k, v := range s.valves {
		out.ValveStates[k] = v
	}
	for k, v := range s.sensors {
		out.SensorReadings[k] = v
	}
	for k, v := range s.times {
		out.UpdateTimes[k] = v
	}
	return out
}

// Len returns the number of tracked nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.times)
}

// Reset drops all entries. Entries are never deleted individually; a full
// reset is the only removal path.
func (s *Store) Reset() {
	s.mu.Lock()
	s.valves = make(map[string]unit.ValveState)
	s.sensors = make(map[string]unit.Measurement)
	s.times = make(map[string]float64)
	s.mu.Unlock()

	s.metrics.SetStateNodes(0)
}
