package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vehicle-control/vcc/internal/audit"
	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/metrics"
)

// RunState tracks a run through its lifecycle.
type RunState int

const (
	RunNotStarted RunState = iota
	RunBinding
	RunRunning
	RunCompleted
	RunFailed
)

// String returns the lowercase name of the state.
func (s RunState) String() string {
	switch s {
	case RunNotStarted:
		return "not_started"
	case RunBinding:
		return "binding"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	default:
		return fmt.Sprintf("run_state(%d)", int(s))
	}
}

// Run records one execution of a sequence.
type Run struct {
	ID       string    `json:"id"`
	Sequence string    `json:"sequence"`
	State    RunState  `json:"-"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitzero"`
	Err      error     `json:"-"`
}

// ScriptError wraps a failure raised while a sequence script was running,
// as opposed to failures binding its devices.
type ScriptError struct {
	Sequence string
	Err      error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("sequence %q: %v", e.Sequence, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Runner executes one sequence script against the devices bound into it.
// A Runner is single-use: the engine creates a fresh one per run so no
// state leaks between sequences.
type Runner interface {
	Bind(name string, device Device) error
	Execute(ctx context.Context, seq Sequence) error
}

// AbortStore persists the abort sequence across restarts.
type AbortStore interface {
	SaveAbort(ctx context.Context, seq Sequence) error
	LoadAbort(ctx context.Context) (Sequence, bool, error)
}

// ErrNoAbort is returned by RunAbort when no abort sequence is stored.
var ErrNoAbort = errors.New("NO_ABORT_SEQUENCE")

// Engine binds sequences to the current node table and runs them.
type Engine struct {
	table      *mapping.Table
	dispatcher dispatch.Dispatcher
	newRunner  func() Runner
	aborts     AbortStore
	auditor    *audit.Logger
	metrics    *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*Run
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithAuditLogger records sequence submissions and outcomes.
func WithAuditLogger(l *audit.Logger) EngineOption {
	return func(e *Engine) { e.auditor = l }
}

// WithMetrics counts run outcomes.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine over the node table and dispatcher. newRunner
// must return a fresh Runner per call.
func NewEngine(table *mapping.Table, d dispatch.Dispatcher, aborts AbortStore, newRunner func() Runner, opts ...EngineOption) *Engine {
	e := &Engine{
		table:      table,
		dispatcher: d,
		newRunner:  newRunner,
		aborts:     aborts,
		runs:       make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit routes a sequence: the abort sequence is persisted for later,
// anything else runs immediately. stored reports which path was taken;
// run is the zero Run when the sequence was stored.
func (e *Engine) Submit(ctx context.Context, seq Sequence) (run Run, stored bool, err error) {
	if seq.IsAbort() {
		if err := e.aborts.SaveAbort(ctx, seq); err != nil {
			return Run{}, false, fmt.Errorf("storing abort sequence: %w", err)
		}
		if e.auditor != nil {
			e.auditor.LogAction("sequence", seq.Name, "store", nil, "success", 0)
		}
		return Run{}, true, nil
	}
	return e.Run(ctx, seq), false, nil
}

// Run executes a sequence synchronously and returns a snapshot of its
// completed record. Only snapshots leave the engine; the live record stays
// behind e.mu so callers never observe a run mid-mutation.
func (e *Engine) Run(ctx context.Context, seq Sequence) Run {
	run := e.newRun(seq)
	e.execute(ctx, run, seq)

	e.mu.Lock()
	defer e.mu.Unlock()
	return *run
}

// RunAsync starts a sequence in the background and returns a snapshot of
// its record taken before execution begins; poll GetRun for progress.
func (e *Engine) RunAsync(ctx context.Context, seq Sequence) Run {
	run := e.newRun(seq)
	snapshot := *run
	go e.execute(ctx, run, seq)
	return snapshot
}

func (e *Engine) newRun(seq Sequence) *Run {
	run := &Run{
		ID:       uuid.NewString(),
		Sequence: seq.Name,
		State:    RunNotStarted,
		Started:  time.Now().UTC(),
	}
	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()
	return run
}

// RunAbort replays the stored abort sequence.
func (e *Engine) RunAbort(ctx context.Context) (Run, error) {
	seq, found, err := e.aborts.LoadAbort(ctx)
	if err != nil {
		return Run{}, fmt.Errorf("loading abort sequence: %w", err)
	}
	if !found {
		return Run{}, ErrNoAbort
	}
	return e.Run(ctx, seq), nil
}

// GetRun returns a snapshot of the record for a run ID.
func (e *Engine) GetRun(id string) (Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// Runs returns snapshots of all run records, newest first by start time.
func (e *Engine) Runs() []Run {
	e.mu.Lock()
	out := make([]Run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, *r)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out
}

func (e *Engine) execute(ctx context.Context, run *Run, seq Sequence) {
	e.setState(run, RunBinding)

	runner := e.newRunner()
	nodes := e.table.Snapshot()
	for _, node := range nodes {
		var (
			dev Device
			err error
		)
		if node.ChannelType.IsValve() {
			dev = NewValve(node.TextID, e.dispatcher)
		} else {
			dev = NewSensor(node.TextID, e.dispatcher)
		}
		if err = runner.Bind(node.TextID, dev); err != nil {
			e.finish(run, fmt.Errorf("binding %q: %w", node.TextID, err))
			return
		}
	}

	e.setState(run, RunRunning)
	err := e.runScript(ctx, runner, seq)
	if err != nil {
		err = &ScriptError{Sequence: seq.Name, Err: err}
	}
	e.finish(run, err)
}

// runScript contains the panic boundary: a panicking script fails its own
// run without taking the engine down.
func (e *Engine) runScript(ctx context.Context, runner Runner, seq Sequence) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	return runner.Execute(ctx, seq)
}

func (e *Engine) setState(run *Run, state RunState) {
	e.mu.Lock()
	run.State = state
	e.mu.Unlock()
}

func (e *Engine) finish(run *Run, err error) {
	e.mu.Lock()
	run.Finished = time.Now().UTC()
	run.Err = err
	if err != nil {
		run.State = RunFailed
	} else {
		run.State = RunCompleted
	}
	done := *run
	e.mu.Unlock()

	outcome := "completed"
	if err != nil {
		outcome = "failed"
		log.Printf("sequence %q run %s failed: %v", done.Sequence, done.ID, err)
	}
	e.metrics.ObserveSequenceRun(outcome)
	if e.auditor != nil {
		e.auditor.LogAction("sequence", done.Sequence, "run", map[string]interface{}{
			"run_id": done.ID,
			"state":  done.State.String(),
		}, outcome, done.Finished.Sub(done.Started))
	}
}
