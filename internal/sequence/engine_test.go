package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/unit"
)

type recordingRunner struct {
	mu       sync.Mutex
	bound    map[string]Device
	executed []string
	bindErr  error
	execErr  error
	execFn   func(ctx context.Context, seq Sequence) error
}

func (r *recordingRunner) Bind(name string, device Device) error {
	if r.bindErr != nil {
		return r.bindErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound == nil {
		r.bound = make(map[string]Device)
	}
	r.bound[name] = device
	return nil
}

func (r *recordingRunner) Execute(ctx context.Context, seq Sequence) error {
	r.mu.Lock()
	r.executed = append(r.executed, seq.Name)
	r.mu.Unlock()
	if r.execFn != nil {
		return r.execFn(ctx, seq)
	}
	return r.execErr
}

type memAbortStore struct {
	mu    sync.Mutex
	seq   Sequence
	found bool
	err   error
}

func (s *memAbortStore) SaveAbort(_ context.Context, seq Sequence) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq, s.found = seq, true
	return nil
}

func (s *memAbortStore) LoadAbort(context.Context) (Sequence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.found, s.err
}

type funcDispatcher func(ctx context.Context, textID string, action dispatch.Action) (*unit.Measurement, error)

func (f funcDispatcher) Dispatch(ctx context.Context, textID string, action dispatch.Action) (*unit.Measurement, error) {
	return f(ctx, textID, action)
}

func testTable(t *testing.T) *mapping.Table {
	t.Helper()
	table := mapping.NewTable()
	require.NoError(t, table.Load([]mapping.NodeMapping{
		{TextID: "fuel_pt", BoardID: "sam-01", ChannelType: unit.CurrentLoop, Channel: 2, Computer: unit.Flight},
		{TextID: "fuel_vent", BoardID: "sam-01", ChannelType: unit.ValveCurrent, Channel: 4, Computer: unit.Flight},
	}))
	return table
}

func nopDispatcher() dispatch.Dispatcher {
	return funcDispatcher(func(context.Context, string, dispatch.Action) (*unit.Measurement, error) {
		return nil, nil
	})
}

func TestRunBindsDevicesByChannelType(t *testing.T) {
	runner := &recordingRunner{}
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return runner })

	run := engine.Run(context.Background(), Sequence{Name: "fill", Script: "fuel_vent.open()"})

	assert.Equal(t, RunCompleted, run.State)
	assert.NoError(t, run.Err)
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.Finished.Before(run.Started))

	require.Len(t, runner.bound, 2)
	assert.IsType(t, &Sensor{}, runner.bound["fuel_pt"])
	assert.IsType(t, &Valve{}, runner.bound["fuel_vent"])
	assert.Equal(t, []string{"fill"}, runner.executed)
}

func TestRunBindFailure(t *testing.T) {
	runner := &recordingRunner{bindErr: errors.New("name clash")}
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return runner })

	run := engine.Run(context.Background(), Sequence{Name: "fill"})

	assert.Equal(t, RunFailed, run.State)
	require.Error(t, run.Err)
	assert.Empty(t, runner.executed, "script must not run after a bind failure")
}

func TestRunScriptErrorWrapped(t *testing.T) {
	scriptErr := errors.New("valve refused")
	runner := &recordingRunner{execErr: scriptErr}
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return runner })

	run := engine.Run(context.Background(), Sequence{Name: "fill"})

	assert.Equal(t, RunFailed, run.State)
	var se *ScriptError
	require.ErrorAs(t, run.Err, &se)
	assert.Equal(t, "fill", se.Sequence)
	assert.ErrorIs(t, run.Err, scriptErr)
}

func TestRunScriptPanicIsContained(t *testing.T) {
	runner := &recordingRunner{execFn: func(context.Context, Sequence) error {
		panic("index out of range")
	}}
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return runner })

	run := engine.Run(context.Background(), Sequence{Name: "fill"})

	assert.Equal(t, RunFailed, run.State)
	require.Error(t, run.Err)
	assert.Contains(t, run.Err.Error(), "index out of range")
}

func TestSubmitStoresAbortWithoutRunning(t *testing.T) {
	runner := &recordingRunner{}
	store := &memAbortStore{}
	engine := NewEngine(testTable(t), nopDispatcher(), store, func() Runner { return runner })

	run, stored, err := engine.Submit(context.Background(), Sequence{Name: AbortName, Script: "fuel_vent.close()"})
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Empty(t, run.ID, "stored abort must not get a run record")
	assert.Empty(t, runner.executed, "abort submission must not execute")

	seq, found, err := store.LoadAbort(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fuel_vent.close()", seq.Script)
}

func TestSubmitRunsOrdinarySequence(t *testing.T) {
	runner := &recordingRunner{}
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return runner })

	run, stored, err := engine.Submit(context.Background(), Sequence{Name: "fill"})
	require.NoError(t, err)
	assert.False(t, stored)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, RunCompleted, run.State)
}

func TestRunAbortReplaysStoredScript(t *testing.T) {
	runner := &recordingRunner{}
	store := &memAbortStore{}
	engine := NewEngine(testTable(t), nopDispatcher(), store, func() Runner { return runner })

	_, _, err := engine.Submit(context.Background(), Sequence{Name: AbortName, Script: "fuel_vent.close()"})
	require.NoError(t, err)

	run, err := engine.RunAbort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.State)
	assert.Equal(t, []string{AbortName}, runner.executed)
}

func TestRunAbortWithoutStoredSequence(t *testing.T) {
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return &recordingRunner{} })

	_, err := engine.RunAbort(context.Background())
	assert.ErrorIs(t, err, ErrNoAbort)
}

func TestRunRecordsAreStableSnapshots(t *testing.T) {
	release := make(chan struct{})
	runner := &recordingRunner{execFn: func(context.Context, Sequence) error {
		<-release
		return nil
	}}
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return runner })

	run := engine.RunAsync(context.Background(), Sequence{Name: "fill"})
	require.NotEmpty(t, run.ID)

	// Read the record while the background run is still mutating it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if got, ok := engine.GetRun(run.ID); ok {
				_ = got.State.String()
				_ = got.Finished
				_ = got.Err
			}
			engine.Runs()
		}
	}()

	close(release)
	<-done

	require.Eventually(t, func() bool {
		got, ok := engine.GetRun(run.ID)
		return ok && got.State == RunCompleted
	}, time.Second, time.Millisecond)

	// The copy handed out at start is untouched by the finished run.
	assert.Equal(t, RunNotStarted, run.State)
	assert.True(t, run.Finished.IsZero())
}

func TestRunsNewestFirstAndGetRun(t *testing.T) {
	engine := NewEngine(testTable(t), nopDispatcher(), &memAbortStore{}, func() Runner { return &recordingRunner{} })

	first := engine.Run(context.Background(), Sequence{Name: "one"})
	time.Sleep(2 * time.Millisecond)
	second := engine.Run(context.Background(), Sequence{Name: "two"})

	runs := engine.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	got, ok := engine.GetRun(first.ID)
	require.True(t, ok)
	assert.Equal(t, "one", got.Sequence)

	_, ok = engine.GetRun("missing")
	assert.False(t, ok)
}
