package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vehicle-control/vcc/internal/auth"
	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/sequence"
	"github.com/vehicle-control/vcc/internal/state"
	"github.com/vehicle-control/vcc/internal/unit"
)

type fakeDispatcher struct {
	lastNode   string
	lastAction dispatch.Action
	lastActor  string
	reading    *unit.Measurement
	err        error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, textID string, action dispatch.Action) (*unit.Measurement, error) {
	d.lastNode = textID
	d.lastAction = action
	if claims, ok := auth.ClaimsFrom(ctx); ok {
		d.lastActor = claims.Subject
	}
	return d.reading, d.err
}

type fakeSequences struct {
	submitted []sequence.Sequence
	run       sequence.Run
	abortErr  error
}

func (f *fakeSequences) Submit(_ context.Context, seq sequence.Sequence) (sequence.Run, bool, error) {
	f.submitted = append(f.submitted, seq)
	if seq.IsAbort() {
		return sequence.Run{}, true, nil
	}
	return f.run, false, nil
}

func (f *fakeSequences) RunAbort(context.Context) (sequence.Run, error) {
	if f.abortErr != nil {
		return sequence.Run{}, f.abortErr
	}
	return f.run, nil
}

func (f *fakeSequences) GetRun(id string) (sequence.Run, bool) {
	if f.run.ID == id {
		return f.run, true
	}
	return sequence.Run{}, false
}

func (f *fakeSequences) Runs() []sequence.Run {
	if f.run.ID == "" {
		return nil
	}
	return []sequence.Run{f.run}
}

type fakeTriggers struct {
	saved   map[string]sequence.Trigger
	saveErr error
}

func (f *fakeTriggers) SaveTrigger(_ context.Context, trig sequence.Trigger) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.saved == nil {
		f.saved = make(map[string]sequence.Trigger)
	}
	f.saved[trig.Name] = trig
	return nil
}

func (f *fakeTriggers) ListTriggers(context.Context) ([]sequence.Trigger, error) {
	out := make([]sequence.Trigger, 0, len(f.saved))
	for _, t := range f.saved {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTriggers) DeleteTrigger(_ context.Context, name string) error {
	delete(f.saved, name)
	return nil
}

type fakeMonitor struct {
	set     []string
	deleted []string
}

func (f *fakeMonitor) Set(trig sequence.Trigger) { f.set = append(f.set, trig.Name) }
func (f *fakeMonitor) Delete(name string)        { f.deleted = append(f.deleted, name) }

type fakeTelemetry struct{ subscribed bool }

func (f *fakeTelemetry) Subscribe(_ context.Context, w http.ResponseWriter, _ *http.Request) error {
	f.subscribed = true
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	return nil
}

type fixture struct {
	server     *Server
	dispatcher *fakeDispatcher
	sequences  *fakeSequences
	triggers   *fakeTriggers
	monitor    *fakeMonitor
	telemetry  *fakeTelemetry
	table      *mapping.Table
	store      *state.Store
}

func newFixture(t *testing.T, mw *auth.Middleware) *fixture {
	t.Helper()
	f := &fixture{
		dispatcher: &fakeDispatcher{},
		sequences:  &fakeSequences{},
		triggers:   &fakeTriggers{},
		monitor:    &fakeMonitor{},
		telemetry:  &fakeTelemetry{},
		table:      mapping.NewTable(),
		store:      state.NewStore(nil),
	}
	if mw == nil {
		mw = auth.NewMiddleware(nil)
	}
	f.server = NewServer(f.table, f.store, f.dispatcher, f.sequences, f.triggers, f.monitor, f.telemetry, mw)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CorrelationID)
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := envelope(t, rec)
	assert.Equal(t, "ok", resp.Result)
}

func TestLoadAndGetMappings(t *testing.T) {
	f := newFixture(t, nil)

	mappings := []mapping.NodeMapping{
		{TextID: "fuel_pt", BoardID: "sam-01", ChannelType: unit.CurrentLoop, Channel: 2, Computer: unit.Flight},
	}
	rec := f.do(t, http.MethodPost, "/api/v1/mappings", mappings)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.table.Len())

	rec = f.do(t, http.MethodGet, "/api/v1/mappings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := envelope(t, rec)
	assert.Equal(t, "ok", resp.Result)
}

func TestLoadMappingsDuplicateConflict(t *testing.T) {
	f := newFixture(t, nil)

	mappings := []mapping.NodeMapping{
		{TextID: "fuel_pt", BoardID: "sam-01", ChannelType: unit.CurrentLoop, Channel: 2, Computer: unit.Flight},
		{TextID: "fuel_pt", BoardID: "sam-01", ChannelType: unit.CurrentLoop, Channel: 3, Computer: unit.Flight},
	}
	rec := f.do(t, http.MethodPost, "/api/v1/mappings", mappings)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_NODE", envelope(t, rec).Code)
	assert.Zero(t, f.table.Len(), "failed load must not install a partial table")
}

func TestLoadMappingsRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mappings",
		bytes.NewReader([]byte(`[{"text_id":"a","board_id":"b","bogus":1}]`)))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", envelope(t, rec).Code)
}

func TestReadSensor(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.reading = &unit.Measurement{Value: 487.5, Unit: unit.Psi}

	rec := f.do(t, http.MethodGet, "/api/v1/sensors/fuel_pt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fuel_pt", f.dispatcher.lastNode)
	assert.Equal(t, dispatch.KindReadSensor, f.dispatcher.lastAction.Kind)
}

func TestReadSensorUnknownDevice(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.err = &dispatch.DeviceError{Code: dispatch.ErrUnknownDevice, Node: "nope"}

	rec := f.do(t, http.MethodGet, "/api/v1/sensors/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_DEVICE", envelope(t, rec).Code)
}

func TestActuateValve(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/valves/fuel_vent", map[string]string{"state": "open"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fuel_vent", f.dispatcher.lastNode)
	assert.Equal(t, dispatch.KindActuateValve, f.dispatcher.lastAction.Kind)
	assert.Equal(t, unit.ValveOpen, f.dispatcher.lastAction.Desired)
}

func TestActuateValveErrors(t *testing.T) {
	cases := []struct {
		name     string
		body     map[string]string
		err      error
		wantCode int
		wantErr  string
	}{
		{"bad state", map[string]string{"state": "ajar"}, nil, http.StatusBadRequest, "INVALID_ACTION"},
		{"not a valve", map[string]string{"state": "open"},
			&dispatch.DeviceError{Code: dispatch.ErrNotAValve, Node: "fuel_pt"}, http.StatusBadRequest, "NOT_A_VALVE"},
		{"transport", map[string]string{"state": "open"},
			&dispatch.DeviceError{Code: dispatch.ErrTransport, Node: "fuel_vent", Original: errors.New("timeout")},
			http.StatusBadGateway, "TRANSPORT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.dispatcher.err = tc.err
			rec := f.do(t, http.MethodPost, "/api/v1/valves/x", tc.body)
			require.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantErr, envelope(t, rec).Code)
		})
	}
}

func TestSubmitSequenceRuns(t *testing.T) {
	f := newFixture(t, nil)
	f.sequences.run = sequence.Run{
		ID: "run-1", Sequence: "fill", State: sequence.RunCompleted,
		Started: time.Now(), Finished: time.Now(),
	}

	rec := f.do(t, http.MethodPost, "/api/v1/sequences", sequence.Sequence{Name: "fill", Script: "open fuel_vent"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.sequences.submitted, 1)
	assert.Equal(t, "fill", f.sequences.submitted[0].Name)

	var data runView
	resp := envelope(t, rec)
	raw, _ := json.Marshal(resp.Data)
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "run-1", data.ID)
	assert.Equal(t, "completed", data.State)
}

func TestSubmitAbortStores(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/sequences", sequence.Sequence{Name: "abort", Script: "close fuel_vent"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := envelope(t, rec)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["stored"])
}

func TestSubmitSequenceEmptyName(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/sequences", sequence.Sequence{Script: "open fuel_vent"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.sequences.submitted)
}

func TestRunAbortEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.sequences.run = sequence.Run{ID: "run-2", Sequence: "abort", State: sequence.RunCompleted, Started: time.Now()}

	rec := f.do(t, http.MethodPost, "/api/v1/abort", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.sequences.abortErr = sequence.ErrNoAbort
	rec = f.do(t, http.MethodPost, "/api/v1/abort", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_ABORT_SEQUENCE", envelope(t, rec).Code)
}

func TestRunLookup(t *testing.T) {
	f := newFixture(t, nil)
	f.sequences.run = sequence.Run{ID: "run-3", Sequence: "fill", State: sequence.RunRunning, Started: time.Now()}

	rec := f.do(t, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/run-3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/runs/run-99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", envelope(t, rec).Code)
}

func TestTriggerLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	trig := sequence.Trigger{Name: "overpressure", Condition: "fuel_pt > 600", Script: "open fuel_vent"}
	rec := f.do(t, http.MethodPost, "/api/v1/triggers", trig)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"overpressure"}, f.monitor.set)
	assert.Contains(t, f.triggers.saved, "overpressure")

	rec = f.do(t, http.MethodGet, "/api/v1/triggers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/triggers/overpressure", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"overpressure"}, f.monitor.deleted)
	assert.NotContains(t, f.triggers.saved, "overpressure")
}

func TestTriggerValidation(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/triggers", sequence.Trigger{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.monitor.set)
}

func TestTelemetryEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/v1/telemetry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.telemetry.subscribed)
}

func TestAuthEnforcement(t *testing.T) {
	verifier, err := auth.NewVerifier("api-test-key", "")
	require.NoError(t, err)
	f := newFixture(t, auth.NewMiddleware(verifier))

	// Health stays open.
	rec := f.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// State requires a token.
	rec = f.do(t, http.MethodGet, "/api/v1/state", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	readToken, err := verifier.IssueToken("viewer1", []string{auth.ScopeRead}, time.Minute)
	require.NoError(t, err)
	controlToken, err := verifier.IssueToken("operator1", []string{auth.ScopeRead, auth.ScopeControl}, time.Minute)
	require.NoError(t, err)

	authed := func(method, path, token string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, authed(http.MethodGet, "/api/v1/state", readToken, nil).Code)
	assert.Equal(t, http.StatusForbidden,
		authed(http.MethodPost, "/api/v1/valves/fuel_vent", readToken, []byte(`{"state":"open"}`)).Code)
	assert.Equal(t, http.StatusOK,
		authed(http.MethodPost, "/api/v1/valves/fuel_vent", controlToken, []byte(`{"state":"open"}`)).Code)

	// Dispatch sees the operator from the token.
	assert.Equal(t, "operator1", f.dispatcher.lastActor)
}
