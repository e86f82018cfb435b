package unit

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Unit identifies the physical quantity carried by a Measurement.
type Unit int

const (
	// NoData marks the absence of a reading. It is the zero value so that an
	// uninitialized Measurement is self-describing.
	NoData Unit = iota

	// Amps is electric current, in amperes.
	Amps

	// Psi is pressure, in pounds per square inch.
	Psi

	// Kelvin is temperature, in Kelvin.
	Kelvin

	// Pounds is force, in pounds.
	Pounds

	// Volts is electric potential, in volts.
	Volts
)

var unitNames = map[Unit]string{
	NoData: "no_data",
	Amps:   "amps",
	Psi:    "psi",
	Kelvin: "kelvin",
	Pounds: "pounds",
	Volts:  "volts",
}

var unitSymbols = map[Unit]string{
	NoData: "",
	Amps:   "A",
	Psi:    "psi",
	Kelvin: "K",
	Pounds: "lbf",
	Volts:  "V",
}

var unitValues = invert(unitNames)

// String returns the display symbol for the unit.
func (u Unit) String() string {
	return unitSymbols[u]
}

// Name returns the stable snake_case identifier used on the wire.
func (u Unit) Name() string {
	return unitNames[u]
}

// ParseUnit maps a snake_case identifier back to a Unit.
func ParseUnit(s string) (Unit, error) {
	u, ok := unitValues[s]
	if !ok {
		return NoData, fmt.Errorf("unknown unit %q", s)
	}
	return u, nil
}

// MarshalJSON encodes the unit as its snake_case name.
func (u Unit) MarshalJSON() ([]byte, error) {
	name, ok := unitNames[u]
	if !ok {
		return nil, fmt.Errorf("invalid unit value %d", int(u))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a snake_case unit name.
func (u *Unit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseUnit(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Measurement is a sensor reading: a raw value paired with its unit.
// Measurements are immutable; updates replace the whole value.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit"`
}

// IsNoData reports whether the measurement carries no reading.
func (m Measurement) IsNoData() bool {
	return m.Unit == NoData
}

// String renders the measurement as "<value> <symbol>".
func (m Measurement) String() string {
	if m.IsNoData() {
		return ""
	}
	return fmt.Sprintf("%v %s", m.Value, m.Unit)
}

// PrettyString renders the measurement for console display, with ANSI
// styling and fixed precision.
func (m Measurement) PrettyString() string {
	if m.IsNoData() {
		return "\x1b[31mno data\x1b[0m"
	}
	return fmt.Sprintf("\x1b[1m%.2f %s\x1b[0m", m.Value, m.Unit)
}

func invert[K comparable, V comparable](m map[K]V) map[V]K {
	out := make(map[V]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// yamlString reads a scalar YAML node as a string.
func yamlString(value *yaml.Node) (string, error) {
	var s string
	if err := value.Decode(&s); err != nil {
		return "", err
	}
	return s, nil
}
