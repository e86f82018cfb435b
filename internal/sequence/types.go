package sequence

// AbortName is the reserved sequence name. A sequence received under this
// name is persisted to durable storage instead of executed, so it survives
// a power cycle and can be replayed after restart.
const AbortName = "abort"

// Sequence is an operator-authored script with its unique name.
type Sequence struct {
	Name   string `json:"name"`
	Script string `json:"script"`
}

// IsAbort reports whether the sequence is the reserved abort sequence.
func (s Sequence) IsAbort() bool {
	return s.Name == AbortName
}

// Trigger pairs a condition with a script. The condition is evaluated
// repeatedly against the live vehicle state; the script runs once when the
// condition becomes true.
type Trigger struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Script    string `json:"script"`
}
