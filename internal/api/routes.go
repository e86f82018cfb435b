package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/vehicle-control/vcc/internal/auth"
	"github.com/vehicle-control/vcc/internal/dispatch"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/sequence"
	"github.com/vehicle-control/vcc/internal/unit"
)

// runView is the wire form of a sequence run record.
type runView struct {
	ID       string `json:"id"`
	Sequence string `json:"sequence"`
	State    string `json:"state"`
	Started  string `json:"started"`
	Finished string `json:"finished,omitempty"`
	Error    string `json:"error,omitempty"`
}

func viewRun(run sequence.Run) runView {
	v := runView{
		ID:       run.ID,
		Sequence: run.Sequence,
		State:    run.State.String(),
		Started:  run.Started.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if !run.Finished.IsZero() {
		v.Finished = run.Finished.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	if run.Err != nil {
		v.Error = run.Err.Error()
	}
	return v
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.store.Snapshot())
}

func (s *Server) handleGetMappings(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.table.Snapshot())
}

func (s *Server) handleLoadMappings(w http.ResponseWriter, r *http.Request) {
	var mappings []mapping.NodeMapping
	if err := decodeStrict(r, &mappings); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.table.Load(mappings); err != nil {
		switch {
		case errors.Is(err, mapping.ErrDuplicateNode):
			WriteError(w, http.StatusConflict, "DUPLICATE_NODE", err.Error())
		case errors.Is(err, mapping.ErrChannelConflict):
			WriteError(w, http.StatusConflict, "CHANNEL_CONFLICT", err.Error())
		default:
			WriteError(w, http.StatusBadRequest, "INVALID_MAPPING", err.Error())
		}
		return
	}
	WriteSuccess(w, map[string]interface{}{"loaded": len(mappings)})
}

func (s *Server) handleReadSensor(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, err := s.dispatcher.Dispatch(dispatchCtx(r), name, dispatch.ReadSensor())
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if m == nil {
		WriteSuccess(w, map[string]interface{}{"node": name, "reading": nil})
		return
	}
	WriteSuccess(w, map[string]interface{}{"node": name, "reading": m})
}

func (s *Server) handleActuateValve(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		State string `json:"state"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	desired, err := unit.ParseValveState(req.State)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_ACTION", err.Error())
		return
	}
	if _, err := s.dispatcher.Dispatch(dispatchCtx(r), name, dispatch.ActuateValve(desired)); err != nil {
		writeDispatchError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"node": name, "commanded": req.State})
}

func (s *Server) handleSubmitSequence(w http.ResponseWriter, r *http.Request) {
	var seq sequence.Sequence
	if err := decodeStrict(r, &seq); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if seq.Name == "" {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "sequence name must not be empty")
		return
	}

	run, stored, err := s.sequences.Submit(dispatchCtx(r), seq)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if stored {
		WriteSuccess(w, map[string]interface{}{"stored": true, "name": seq.Name})
		return
	}
	WriteSuccess(w, viewRun(run))
}

func (s *Server) handleRunAbort(w http.ResponseWriter, r *http.Request) {
	run, err := s.sequences.RunAbort(dispatchCtx(r))
	if err != nil {
		if errors.Is(err, sequence.ErrNoAbort) {
			WriteError(w, http.StatusNotFound, "NO_ABORT_SEQUENCE", "no abort sequence has been stored")
			return
		}
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	WriteSuccess(w, viewRun(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.sequences.Runs()
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, viewRun(run))
	}
	WriteSuccess(w, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.sequences.GetRun(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such run")
		return
	}
	WriteSuccess(w, viewRun(run))
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.triggers.ListTriggers(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	WriteSuccess(w, triggers)
}

func (s *Server) handleSetTrigger(w http.ResponseWriter, r *http.Request) {
	var trig sequence.Trigger
	if err := decodeStrict(r, &trig); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if trig.Name == "" || trig.Condition == "" {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "trigger name and condition must not be empty")
		return
	}
	if err := s.triggers.SaveTrigger(r.Context(), trig); err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.monitor.Set(trig)
	WriteSuccess(w, trig)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.triggers.DeleteTrigger(r.Context(), name); err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.monitor.Delete(name)
	WriteSuccess(w, map[string]interface{}{"deleted": name})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if err := s.telemetry.Subscribe(r.Context(), w, r); err != nil {
		// Too late for an envelope once the stream has started.
		return
	}
}

// dispatchCtx tags the request context with the authenticated operator so
// dispatch audit entries name who acted.
func dispatchCtx(r *http.Request) context.Context {
	ctx := r.Context()
	if claims, ok := auth.ClaimsFrom(ctx); ok && claims.Subject != "" {
		ctx = dispatch.WithActor(ctx, claims.Subject)
	}
	return ctx
}

func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrUnknownDevice):
		WriteError(w, http.StatusNotFound, "UNKNOWN_DEVICE", err.Error())
	case errors.Is(err, dispatch.ErrNotAValve):
		WriteError(w, http.StatusBadRequest, "NOT_A_VALVE", err.Error())
	case errors.Is(err, dispatch.ErrInvalidAction):
		WriteError(w, http.StatusBadRequest, "INVALID_ACTION", err.Error())
	case errors.Is(err, dispatch.ErrTransport):
		WriteError(w, http.StatusBadGateway, "TRANSPORT", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
