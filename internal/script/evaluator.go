package script

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/sequence"
)

// Evaluator evaluates trigger conditions of the form "NAME OP VALUE"
// against live sensor readings, resolving names through the node table.
type Evaluator struct {
	table      *mapping.Table
	dispatcher dispatch.Dispatcher
}

// NewEvaluator builds a condition evaluator over the table and dispatcher.
func NewEvaluator(table *mapping.Table, d dispatch.Dispatcher) *Evaluator {
	return &Evaluator{table: table, dispatcher: d}
}

// Evaluate implements sequence.ConditionEvaluator. A mapped node with no
// reading yet evaluates false; an unmapped name is an error.
func (e *Evaluator) Evaluate(ctx context.Context, condition string) (bool, error) {
	fields := strings.Fields(condition)
	if len(fields) != 3 {
		return false, fmt.Errorf("%w: condition %q is not NAME OP VALUE", ErrSyntax, condition)
	}
	name, op := fields[0], fields[1]
	threshold, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return false, fmt.Errorf("%w: bad threshold %q", ErrSyntax, fields[2])
	}
	if !validOp(op) {
		return false, fmt.Errorf("%w: bad comparison %q", ErrSyntax, op)
	}
	if _, ok := e.table.Resolve(name); !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	return compareSensor(ctx, sequence.NewSensor(name, e.dispatcher), op, threshold)
}
