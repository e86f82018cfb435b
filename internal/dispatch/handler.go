package dispatch

import (
	"context"
	"time"

	"github.com/vehicle-control/vcc/internal/audit"
	"github.com/vehicle-control/vcc/internal/metrics"
	"github.com/vehicle-control/vcc/internal/unit"
)

// Handler is an externally supplied device handler. The flight computer
// injects one of these to route actions through its own I/O layer instead
// of the default network path. A read returns the measurement; an
// actuation returns nil.
type Handler func(textID string, action Action) (*unit.Measurement, error)

// HandlerDispatcher routes every action through an injected Handler.
// Exactly one dispatcher path is active at a time; the selection is made
// at construction and is not switched while calls are in flight.
type HandlerDispatcher struct {
	handler Handler
	auditor *audit.Logger
	metrics *metrics.Metrics
}

var _ Dispatcher = (*HandlerDispatcher)(nil)

// NewHandlerDispatcher wraps the given handler.
func NewHandlerDispatcher(handler Handler, auditor *audit.Logger, m *metrics.Metrics) *HandlerDispatcher {
	return &HandlerDispatcher{handler: handler, auditor: auditor, metrics: m}
}

// Dispatch implements Dispatcher.
func (d *HandlerDispatcher) Dispatch(ctx context.Context, textID string, action Action) (*unit.Measurement, error) {
	start := time.Now()

	m, err := d.handler(textID, action)

	outcome := "SUCCESS"
	if err != nil {
		outcome = outcomeFor(err)
	}
	d.metrics.ObserveDispatch(action.Kind.String(), outcome)

	if d.auditor != nil {
		var params map[string]interface{}
		if action.Kind == KindActuateValve {
			params = map[string]interface{}{"desired": action.Desired.String()}
		}
		d.auditor.LogAction(actorFrom(ctx), textID, action.Kind.String(), params, outcome, time.Since(start))
	}
	return m, err
}
