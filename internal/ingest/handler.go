// Package ingest turns raw data frames from boards into calibrated entries
// in the vehicle state store. Points whose channel address is not in the
// node mapping table are counted and dropped.
package ingest

import (
	"log"

	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/metrics"
	"github.com/vehicle-control/vcc/internal/state"
	"github.com/vehicle-control/vcc/internal/unit"
	"github.com/vehicle-control/vcc/internal/wire"
)

// Handler applies decoded data frames to the state store.
type Handler struct {
	table   *mapping.Table
	store   *state.Store
	metrics *metrics.Metrics
}

// NewHandler builds a frame handler over the table and store.
func NewHandler(table *mapping.Table, store *state.Store, m *metrics.Metrics) *Handler {
	return &Handler{table: table, store: store, metrics: m}
}

// Apply reverse-resolves each point through the table and updates the
// store. It returns how many points were applied and how many were
// unmapped.
func (h *Handler) Apply(frame wire.DataFrame) (applied, unmapped int) {
	for _, p := range frame.Points {
		node, ok := h.table.ResolveChannel(frame.BoardID, p.ChannelType, p.Channel)
		if !ok {
			unmapped++
			continue
		}
		if node.ChannelType.IsValve() {
			h.store.UpdateValve(node.TextID, valveState(node, p.Value), p.Timestamp)
		} else {
			h.store.UpdateSensor(node.TextID, calibrate(node, p.Value), p.Timestamp)
		}
		applied++
	}
	h.metrics.ObserveIngest(applied, unmapped)
	return applied, unmapped
}

// calibrate converts a raw reading into a calibrated measurement. Current
// loop and differential channels scale linearly across the configured
// min/max range; every channel gets the calibrated offset added.
func calibrate(node mapping.NodeMapping, raw float64) unit.Measurement {
	value := raw
	switch node.ChannelType {
	case unit.CurrentLoop, unit.DifferentialSignal:
		if node.Min != nil && node.Max != nil {
			value = *node.Min + raw*(*node.Max-*node.Min)
		}
	}
	return unit.Measurement{
		Value: value + node.CalibratedOffset,
		Unit:  node.ChannelType.Unit(),
	}
}

// valveState derives the valve's position from its measured current. Below
// the connected threshold the valve reads disconnected; otherwise the
// powered threshold decides the powered flag and the polarity maps that to
// a position. An acknowledged position always lands as open/closed, never
// as a commanded state, so pending commanded entries collapse on the next
// frame. A valve with no thresholds configured reads as its unpowered rest
// state.
func valveState(node mapping.NodeMapping, current float64) unit.ValveState {
	if node.ConnectedThreshold != nil && current < *node.ConnectedThreshold {
		return unit.ValveDisconnected
	}
	powered := node.PoweredThreshold != nil && current >= *node.PoweredThreshold

	normallyClosed := true
	if node.NormallyClosed != nil {
		normallyClosed = *node.NormallyClosed
	} else {
		log.Printf("WARNING: valve %q has no normally_closed polarity, assuming normally closed", node.TextID)
	}

	if powered != normallyClosed {
		return unit.ValveOpen
	}
	return unit.ValveClosed
}
