package unit

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ChannelType enumerates the physical channel kinds a board exposes.
type ChannelType int

const (
	// CurrentLoop is a 4-20 mA current loop sensor, such as a pressure
	// transducer.
	CurrentLoop ChannelType = iota

	// ValveVoltage is the voltage present on a pin connected to a valve.
	ValveVoltage

	// ValveCurrent is the current flowing through a pin connected to a valve.
	ValveCurrent

	// RailVoltage is the voltage on a power rail of the board.
	RailVoltage

	// RailCurrent is the current flowing through a power rail of the board.
	RailCurrent

	// DifferentialSignal is the signal from a load cell, carried by a
	// differential pair.
	DifferentialSignal

	// Rtd is a resistance thermometer channel, measuring temperature.
	Rtd

	// Tc is a thermocouple channel, measuring temperature.
	Tc
)

var channelTypeNames = map[ChannelType]string{
	CurrentLoop:        "current_loop",
	ValveVoltage:       "valve_voltage",
	ValveCurrent:       "valve_current",
	RailVoltage:        "rail_voltage",
	RailCurrent:        "rail_current",
	DifferentialSignal: "differential_signal",
	Rtd:                "rtd",
	Tc:                 "tc",
}

var channelTypeValues = invert(channelTypeNames)

// Unit returns the canonical unit produced by the channel type. The mapping
// is fixed: a channel type always yields the same unit.
func (c ChannelType) Unit() Unit {
	switch c {
	case CurrentLoop:
		return Psi
	case ValveVoltage, RailVoltage:
		return Volts
	case ValveCurrent, RailCurrent:
		return Amps
	case DifferentialSignal:
		return Pounds
	case Rtd, Tc:
		return Kelvin
	default:
		return NoData
	}
}

// IsValve reports whether the channel type denotes a commandable valve.
// Valve state is derived from the current channel, so only valve_current
// nodes bind as valves.
func (c ChannelType) IsValve() bool {
	return c == ValveCurrent
}

// String returns the stable snake_case identifier.
func (c ChannelType) String() string {
	return channelTypeNames[c]
}

// ParseChannelType maps a snake_case identifier back to a ChannelType.
func ParseChannelType(s string) (ChannelType, error) {
	c, ok := channelTypeValues[s]
	if !ok {
		return CurrentLoop, fmt.Errorf("unknown channel type %q", s)
	}
	return c, nil
}

// MarshalJSON encodes the channel type as its snake_case name.
func (c ChannelType) MarshalJSON() ([]byte, error) {
	name, ok := channelTypeNames[c]
	if !ok {
		return nil, fmt.Errorf("invalid channel type value %d", int(c))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a snake_case channel type name.
func (c *ChannelType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseChannelType(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML encodes the channel type for mapping files.
func (c ChannelType) MarshalYAML() (interface{}, error) {
	name, ok := channelTypeNames[c]
	if !ok {
		return nil, fmt.Errorf("invalid channel type value %d", int(c))
	}
	return name, nil
}

// UnmarshalYAML decodes a snake_case channel type from a mapping file.
func (c *ChannelType) UnmarshalYAML(value *yaml.Node) error {
	s, err := yamlString(value)
	if err != nil {
		return err
	}
	parsed, err := ParseChannelType(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Computer identifies which owning process is authoritative for commanding
// a node.
type Computer int

const (
	// Flight is the flight computer.
	Flight Computer = iota

	// Ground is the ground computer.
	Ground
)

var computerNames = map[Computer]string{
	Flight: "flight",
	Ground: "ground",
}

var computerValues = invert(computerNames)

// String returns the stable snake_case identifier.
func (c Computer) String() string {
	return computerNames[c]
}

// ParseComputer maps a snake_case identifier back to a Computer.
func ParseComputer(s string) (Computer, error) {
	c, ok := computerValues[s]
	if !ok {
		return Flight, fmt.Errorf("unknown computer %q", s)
	}
	return c, nil
}

// MarshalJSON encodes the computer as its snake_case name.
func (c Computer) MarshalJSON() ([]byte, error) {
	name, ok := computerNames[c]
	if !ok {
		return nil, fmt.Errorf("invalid computer value %d", int(c))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes a snake_case computer name.
func (c *Computer) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseComputer(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML encodes the computer for mapping files.
func (c Computer) MarshalYAML() (interface{}, error) {
	name, ok := computerNames[c]
	if !ok {
		return nil, fmt.Errorf("invalid computer value %d", int(c))
	}
	return name, nil
}

// UnmarshalYAML decodes a snake_case computer from a mapping file.
func (c *Computer) UnmarshalYAML(value *yaml.Node) error {
	s, err := yamlString(value)
	if err != nil {
		return err
	}
	parsed, err := ParseComputer(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
