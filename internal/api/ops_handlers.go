package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/OutreachPipe/internal/engine"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/go-chi/chi/v5"
)

func (s *Server) listDLQHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r, 100, 1000)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	f := store.DLQFilter{Limit: limit, Offset: offset, LeadID: r.URL.Query().Get("lead_id")}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = models.DLQStatus(v)
		if !isDLQStatus(f.Status) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid status"))
			return
		}
	}
	recs, err := s.deps.DLQ.List(r.Context(), f)
	if err != nil {
		writeStoreError(w, "listDLQHandler", err)
		return
	}
	if recs == nil {
		recs = []models.FailedEmail{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

func isDLQStatus(s models.DLQStatus) bool {
	for _, known := range models.AllDLQStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s *Server) getDLQHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.DLQ.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "getDLQHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

func (s *Server) dlqStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.DLQ.Stats(r.Context())
	if err != nil {
		writeStoreError(w, "dlqStatsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) quotaTodayHandler(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Quota.Today(r.Context(), s.deps.Runner.Today())
	if err != nil {
		writeStoreError(w, "quotaTodayHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(q))
}

func (s *Server) listBatchesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _, err := pageParams(r, 50, 500)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	runs, err := s.deps.Runs.ListBatchRuns(r.Context(), limit)
	if err != nil {
		writeStoreError(w, "listBatchesHandler", err)
		return
	}
	if runs == nil {
		runs = []models.BatchRun{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(runs))
}

// sendNowHandler runs the current batch synchronously and returns its record.
func (s *Server) sendNowHandler(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runner.SendNow(r.Context())
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	case err != nil && run == nil:
		slog.Error("Server.sendNowHandler: run could not start", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start batch run"))
		return
	case err != nil:
		slog.Error("Server.sendNowHandler: run failed", "error", err, "runID", run.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.APIResponse{
			Status: string(models.APIStatusError), Message: "Batch run failed", Result: run,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted("Batch run finished", run))
}

// sweepHandler runs the DLQ sweep immediately, outside business hours too.
func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Runner.RetrySweep(r.Context(), models.RunTriggerManual)
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("Server.sweepHandler: sweep failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.APIResponse{
			Status: string(models.APIStatusError), Message: "Retry sweep failed", Result: res,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted("Retry sweep finished", res))
}
