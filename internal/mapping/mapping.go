// Package mapping holds the node mapping table: the configuration record
// binding each symbolic device name to its physical board channel, owning
// computer, and calibration parameters. The table is loaded wholesale and
// swapped atomically; readers never observe a partial load.
package mapping

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vehicle-control/vcc/internal/unit"
)

// Load errors. A failed load leaves the previously active table untouched.
var (
	ErrDuplicateNode   = errors.New("DUPLICATE_NODE")
	ErrChannelConflict = errors.New("CHANNEL_CONFLICT")
	ErrInvalidMapping  = errors.New("INVALID_MAPPING")
)

// NodeMapping binds one node's text identifier to its physical address and
// calibration parameters.
//
// The optional fields are pointers because "unset" must stay distinct from
// zero: a powered threshold of 0 A is legal configuration. Min, Max and
// CalibratedOffset apply to current_loop and differential_signal sensors;
// the threshold and polarity fields apply to valves.
type NodeMapping struct {
	// TextID is the symbolic name of the node, unique across the table.
	TextID string `json:"text_id" yaml:"text_id"`

	// BoardID identifies the owning board; it is the board's hostname sans
	// the ".local" suffix.
	BoardID string `json:"board_id" yaml:"board_id"`

	// ChannelType is the physical kind of the channel.
	ChannelType unit.ChannelType `json:"channel_type" yaml:"channel_type"`

	// Channel is the channel number on the board.
	Channel uint32 `json:"channel" yaml:"channel"`

	// Computer is the process authoritative for commanding this node.
	Computer unit.Computer `json:"computer" yaml:"computer"`

	// Max is the reading at the top of the sensor's calibrated range.
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`

	// Min is the reading at the bottom of the sensor's calibrated range.
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`

	// CalibratedOffset is added to converted sensor readings.
	CalibratedOffset float64 `json:"calibrated_offset,omitempty" yaml:"calibrated_offset,omitempty"`

	// ConnectedThreshold is the current, in amps, above which the valve is
	// considered connected.
	ConnectedThreshold *float64 `json:"connected_threshold,omitempty" yaml:"connected_threshold,omitempty"`

	// PoweredThreshold is the current, in amps, above which the valve is
	// considered powered.
	PoweredThreshold *float64 `json:"powered_threshold,omitempty" yaml:"powered_threshold,omitempty"`

	// NormallyClosed indicates valve polarity: true means unpowered is
	// closed.
	NormallyClosed *bool `json:"normally_closed,omitempty" yaml:"normally_closed,omitempty"`
}

func (m NodeMapping) validate() error {
	if m.TextID == "" {
		return fmt.Errorf("%w: empty text_id", ErrInvalidMapping)
	}
	if m.BoardID == "" {
		return fmt.Errorf("%w: node %s has empty board_id", ErrInvalidMapping, m.TextID)
	}
	return nil
}

// channelKey identifies one physical channel. A channel may be claimed by
// at most one mapping.
type channelKey struct {
	boardID     string
	computer    unit.Computer
	channelType unit.ChannelType
	channel     uint32
}

// addrKey identifies a channel as boards report it, without the owning
// computer; used for reverse resolution of incoming telemetry.
type addrKey struct {
	boardID     string
	channelType unit.ChannelType
	channel     uint32
}

// Table is the process-wide mapping table. All methods are safe for
// concurrent use; the lock is held only for map access, never across I/O.
type Table struct {
	mu       sync.RWMutex
	byName   map[string]NodeMapping
	byAddr   map[addrKey]NodeMapping
	snapshot []NodeMapping
}

// NewTable creates an empty mapping table.
func NewTable() *Table {
	return &Table{
		byName: make(map[string]NodeMapping),
		byAddr: make(map[addrKey]NodeMapping),
	}
}

// Load validates the given mappings and replaces the entire table. On any
// validation failure the active table is left unchanged and no entry of the
// rejected load is observable.
func (t *Table) Load(mappings []NodeMapping) error {
	byName := make(map[string]NodeMapping, len(mappings))
	byAddr := make(map[addrKey]NodeMapping, len(mappings))
	claimed := make(map[channelKey]string, len(mappings))
	snapshot := make([]NodeMapping, 0, len(mappings))

	for _, m := range mappings {
		if err := m.validate(); err != nil {
			return err
		}

		if _, exists := byName[m.TextID]; exists {
			return fmt.Errorf("%w: text_id %q appears more than once", ErrDuplicateNode, m.TextID)
		}

		key := channelKey{m.BoardID, m.Computer, m.ChannelType, m.Channel}
		if other, exists := claimed[key]; exists {
			return fmt.Errorf("%w: %s channel %d (%s) on board %s is claimed by both %q and %q",
				ErrChannelConflict, m.Computer, m.Channel, m.ChannelType, m.BoardID, other, m.TextID)
		}
		claimed[key] = m.TextID

		byName[m.TextID] = m
		byAddr[addrKey{m.BoardID, m.ChannelType, m.Channel}] = m
		snapshot = append(snapshot, m)
	}

	t.mu.Lock()
	t.byName = byName
	t.byAddr = byAddr
	t.snapshot = snapshot
	t.mu.Unlock()

	return nil
}

// LoadFile reads a YAML mapping list from disk and loads it.
func (t *Table) LoadFile(path string) error {
	mappings, err := ReadFile(path)
	if err != nil {
		return err
	}
	return t.Load(mappings)
}

// ReadFile parses a YAML mapping list without loading it.
func ReadFile(path string) ([]NodeMapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}

	var mappings []NodeMapping
	if err := yaml.Unmarshal(raw, &mappings); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file %s: %w", path, err)
	}
	return mappings, nil
}

// Resolve looks up a mapping by its text identifier.
func (t *Table) Resolve(textID string) (NodeMapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.byName[textID]
	return m, ok
}

// ResolveChannel looks up a mapping by its physical address, as reported in
// board telemetry.
func (t *Table) ResolveChannel(boardID string, channelType unit.ChannelType, channel uint32) (NodeMapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.byAddr[addrKey{boardID, channelType, channel}]
	return m, ok
}

// Snapshot returns a copy of the active mappings in load order. The copy is
// safe to iterate without holding the table lock.
func (t *Table) Snapshot() []NodeMapping {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NodeMapping, len(t.snapshot))
	copy(out, t.snapshot)
	return out
}

// Len returns the number of active mappings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.snapshot)
}
