package unit

import (
	"encoding/json"
	"fmt"
)

// ValveState enumerates every reportable state of a valve. The commanded
// states represent a pending mismatch between the commanded and the
// acknowledged state; they collapse to Open or Closed once the owning board
// acknowledges the actuation.
type ValveState int

const (
	// ValveNoData means no state has been reported for the valve yet.
	ValveNoData ValveState = iota

	// ValveDisconnected means the valve draws no current and is presumed
	// unplugged.
	ValveDisconnected

	// ValveOpen is the acknowledged open state.
	ValveOpen

	// ValveClosed is the acknowledged closed state.
	ValveClosed

	// ValveCommandedOpen means open was commanded but the valve still reads
	// closed.
	ValveCommandedOpen

	// ValveCommandedClosed means closed was commanded but the valve still
	// reads open.
	ValveCommandedClosed
)

var valveStateNames = map[ValveState]string{
	ValveNoData:          "no_data",
	ValveDisconnected:    "disconnected",
	ValveOpen:            "open",
	ValveClosed:          "closed",
	ValveCommandedOpen:   "commanded_open",
	ValveCommandedClosed: "commanded_closed",
}

var valveStateValues = invert(valveStateNames)

// String returns the human-readable form of the state.
func (v ValveState) String() string {
	switch v {
	case ValveCommandedOpen:
		return "commanded open"
	case ValveCommandedClosed:
		return "commanded closed"
	case ValveNoData:
		return ""
	default:
		return valveStateNames[v]
	}
}

// PrettyString returns a colored form of the state for console display.
// Commanded states show the actual (not commanded) position in yellow.
func (v ValveState) PrettyString() string {
	switch v {
	case ValveDisconnected:
		return "\x1b[31mdisconnected\x1b[0m"
	case ValveOpen:
		return "\x1b[32mopen\x1b[0m"
	case ValveClosed:
		return "\x1b[32mclosed\x1b[0m"
	case ValveCommandedOpen:
		return "\x1b[33mclosed\x1b[0m"
	case ValveCommandedClosed:
		return "\x1b[33mopen\x1b[0m"
	default:
		return "\x1b[31mno data\x1b[0m"
	}
}

// ParseValveState maps a snake_case identifier back to a ValveState.
func ParseValveState(s string) (ValveState, error) {
	v, ok := valveStateValues[s]
	if !ok {
		return ValveNoData, fmt.Errorf("unknown valve state %q", s)
	}
	return v, nil
}

// MarshalJSON encodes the state as its snake_case name.
func (v ValveState) MarshalJSON() ([]byte, error) {
	name, ok := valveStateNames[v]
	if !ok {
		return nil, fmt.Errorf("invalid valve state value %d", int(v))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a snake_case valve state name.
func (v *ValveState) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseValveState(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
