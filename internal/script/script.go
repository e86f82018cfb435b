// Package script provides the default sequence runner: a line-oriented
// command interpreter for operator checklists. One command per line, blank
// lines and #-comments ignored:
//
//	open fuel_vent
//	wait_for 500ms
//	wait_until fuel_pt > 600 timeout=30s poll=100ms
//	close fuel_vent
//	read ox_pt
//
// It is deliberately not a general-purpose language; richer engines plug
// in behind the same sequence.Runner seam.
package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/vehicle-control/vcc/internal/sequence"
)

// Script errors.
var (
	ErrSyntax           = errors.New("SCRIPT_SYNTAX")
	ErrUnknownName      = errors.New("UNKNOWN_NAME")
	ErrWrongDevice      = errors.New("WRONG_DEVICE")
	ErrDuplicateBinding = errors.New("DUPLICATE_BINDING")
)

// Runner interprets a script against the devices bound into it. It is
// single-use; the engine creates a fresh one per run.
type Runner struct {
	devices map[string]sequence.Device
}

// NewRunner returns an empty runner.
func NewRunner() *Runner {
	return &Runner{devices: make(map[string]sequence.Device)}
}

// Bind implements sequence.Runner. Binding the same name twice is an
// error.
func (r *Runner) Bind(name string, device sequence.Device) error {
	if _, exists := r.devices[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateBinding, name)
	}
	r.devices[name] = device
	return nil
}

// Execute implements sequence.Runner, running the script one line at a
// time. The first failing line aborts the run with its line number in the
// error.
func (r *Runner) Execute(ctx context.Context, seq sequence.Sequence) error {
	scanner := bufio.NewScanner(strings.NewReader(seq.Script))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := r.runLine(ctx, line); err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return scanner.Err()
}

func (r *Runner) runLine(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	verb := fields[0]
	switch verb {
	case "open", "close":
		if len(fields) != 2 {
			return fmt.Errorf("%w: %s takes one device name", ErrSyntax, verb)
		}
		valve, err := r.valve(fields[1])
		if err != nil {
			return err
		}
		if verb == "open" {
			return valve.Open(ctx)
		}
		return valve.Close(ctx)

	case "read":
		if len(fields) != 2 {
			return fmt.Errorf("%w: read takes one device name", ErrSyntax)
		}
		sensor, err := r.sensor(fields[1])
		if err != nil {
			return err
		}
		m, err := sensor.Read(ctx)
		if err != nil {
			return err
		}
		log.Printf("read %s = %s", fields[1], m)
		return nil

	case "wait_for":
		if len(fields) != 2 {
			return fmt.Errorf("%w: wait_for takes a duration", ErrSyntax)
		}
		d, err := time.ParseDuration(fields[1])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return sequence.WaitFor(ctx, d)

	case "wait_until":
		return r.runWaitUntil(ctx, fields[1:])

	default:
		return fmt.Errorf("%w: unknown command %q", ErrSyntax, verb)
	}
}

// runWaitUntil handles "wait_until NAME OP VALUE [timeout=D] [poll=D]".
// Running out the timeout is not an error; the script simply moves on.
func (r *Runner) runWaitUntil(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: wait_until takes a comparison", ErrSyntax)
	}
	sensor, err := r.sensor(args[0])
	if err != nil {
		return err
	}
	op := args[1]
	threshold, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("%w: bad threshold %q", ErrSyntax, args[2])
	}
	if !validOp(op) {
		return fmt.Errorf("%w: bad comparison %q", ErrSyntax, op)
	}

	var timeout, poll time.Duration
	for _, opt := range args[3:] {
		key, value, found := strings.Cut(opt, "=")
		if !found {
			return fmt.Errorf("%w: bad option %q", ErrSyntax, opt)
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		switch key {
		case "timeout":
			timeout = d
		case "poll":
			poll = d
		default:
			return fmt.Errorf("%w: unknown option %q", ErrSyntax, key)
		}
	}

	cond := func(ctx context.Context) bool {
		ok, err := compareSensor(ctx, sensor, op, threshold)
		return err == nil && ok
	}
	_, err = sequence.WaitUntil(ctx, cond, timeout, poll)
	return err
}

func (r *Runner) valve(name string) (*sequence.Valve, error) {
	dev, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	valve, ok := dev.(*sequence.Valve)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a valve", ErrWrongDevice, name)
	}
	return valve, nil
}

func (r *Runner) sensor(name string) (*sequence.Sensor, error) {
	dev, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	sensor, ok := dev.(*sequence.Sensor)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a sensor", ErrWrongDevice, name)
	}
	return sensor, nil
}

func validOp(op string) bool {
	switch op {
	case ">", "<", ">=", "<=":
		return true
	}
	return false
}

// compareSensor re-reads the sensor and applies the comparison. A node
// with no reading yet compares false rather than failing.
func compareSensor(ctx context.Context, sensor *sequence.Sensor, op string, threshold float64) (bool, error) {
	m, err := sensor.Read(ctx)
	if err != nil {
		return false, err
	}
	if m.IsNoData() {
		return false, nil
	}
	switch op {
	case ">":
		return m.Value > threshold, nil
	case "<":
		return m.Value < threshold, nil
	case ">=":
		return m.Value >= threshold, nil
	case "<=":
		return m.Value <= threshold, nil
	default:
		return false, fmt.Errorf("%w: bad comparison %q", ErrSyntax, op)
	}
}
