package sequence

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultTriggerInterval is how often the monitor re-evaluates trigger
// conditions.
const DefaultTriggerInterval = 100 * time.Millisecond

// ConditionEvaluator evaluates a trigger condition against live vehicle
// state.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, condition string) (bool, error)
}

// TriggerMonitor polls the active triggers and runs each trigger's script
// when its condition transitions from false to true. Re-arming requires
// the condition to go false again first. Fired scripts run in the
// background so a slow script never stalls evaluation of other triggers.
type TriggerMonitor struct {
	engine   *Engine
	eval     ConditionEvaluator
	interval time.Duration

	mu       sync.Mutex
	triggers map[string]Trigger
	armed    map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTriggerMonitor builds a monitor over the engine. A non-positive
// interval uses DefaultTriggerInterval.
func NewTriggerMonitor(engine *Engine, eval ConditionEvaluator, interval time.Duration) *TriggerMonitor {
	if interval <= 0 {
		interval = DefaultTriggerInterval
	}
	return &TriggerMonitor{
		engine:   engine,
		eval:     eval,
		interval: interval,
		triggers: make(map[string]Trigger),
		armed:    make(map[string]bool),
	}
}

// Set installs or replaces a trigger. A replaced trigger starts armed.
func (tm *TriggerMonitor) Set(trig Trigger) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.triggers[trig.Name] = trig
	tm.armed[trig.Name] = true
}

// Delete removes a trigger. Removing an absent trigger is not an error.
func (tm *TriggerMonitor) Delete(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.triggers, name)
	delete(tm.armed, name)
}

// Triggers returns the currently installed triggers.
func (tm *TriggerMonitor) Triggers() []Trigger {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]Trigger, 0, len(tm.triggers))
	for _, t := range tm.triggers {
		out = append(out, t)
	}
	return out
}

// Start launches the polling loop. It returns immediately; Stop shuts the
// loop down.
func (tm *TriggerMonitor) Start(ctx context.Context) {
	tm.mu.Lock()
	if tm.cancel != nil {
		tm.mu.Unlock()
		return
	}
	ctx, tm.cancel = context.WithCancel(ctx)
	tm.done = make(chan struct{})
	tm.mu.Unlock()

	go tm.loop(ctx)
}

// Stop halts the polling loop and waits for it to exit.
func (tm *TriggerMonitor) Stop() {
	tm.mu.Lock()
	cancel, done := tm.cancel, tm.done
	tm.cancel, tm.done = nil, nil
	tm.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (tm *TriggerMonitor) loop(ctx context.Context) {
	defer close(tm.done)
	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.poll(ctx)
		}
	}
}

func (tm *TriggerMonitor) poll(ctx context.Context) {
	tm.mu.Lock()
	triggers := make([]Trigger, 0, len(tm.triggers))
	for _, t := range tm.triggers {
		triggers = append(triggers, t)
	}
	tm.mu.Unlock()

	for _, trig := range triggers {
		fired, err := tm.eval.Evaluate(ctx, trig.Condition)
		if err != nil {
			log.Printf("trigger %q: evaluating condition: %v", trig.Name, err)
			continue
		}

		tm.mu.Lock()
		armed, present := tm.armed[trig.Name]
		if present {
			tm.armed[trig.Name] = !fired
		}
		tm.mu.Unlock()
		if !present {
			continue
		}

		if fired && armed {
			log.Printf("trigger %q fired", trig.Name)
			tm.engine.RunAsync(ctx, Sequence{Name: trig.Name, Script: trig.Script})
		}
	}
}
