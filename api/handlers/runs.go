package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/api"
	"github.com/BaSui01/runbridge/bridge"
)

// RunsHandler serves the run lifecycle endpoints.
type RunsHandler struct {
	mgr    *bridge.Manager
	logger *zap.Logger
}

// NewRunsHandler creates the runs handler.
func NewRunsHandler(mgr *bridge.Manager, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		mgr:    mgr,
		logger: logger.With(zap.String("component", "runs_handler")),
	}
}

// HandleStart handles POST /api/v1/runs.
func (h *RunsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req api.StartRunRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	runID, err := h.mgr.StartRun(req.Input, req.Breakpoints)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	h.logger.Info("run started", zap.String("run_id", runID))
	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    api.StartRunResponse{RunID: runID},
	})
}

// HandleList handles GET /api/v1/runs.
func (h *RunsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	runs, err := h.mgr.ListRuns(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	views := make([]api.RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, runView(run))
	}
	WriteSuccess(w, views)
}

// HandleGet handles GET /api/v1/runs/{id}.
func (h *RunsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.mgr.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, runView(run))
}

// HandleSuspension handles GET /api/v1/runs/{id}/suspension.
func (h *RunsHandler) HandleSuspension(w http.ResponseWriter, r *http.Request) {
	rec, err := h.mgr.GetSuspension(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, suspensionView(rec))
}

// HandleResume handles POST /api/v1/runs/{id}/resume. Resuming a run that
// is not suspended succeeds without effect, so callers can safely retry.
func (h *RunsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var req api.ResumeRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	if err := h.mgr.Resume(r.Context(), runID, req.Payload); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("resume accepted", zap.String("run_id", runID))
	WriteSuccess(w, map[string]string{"run_id": runID})
}

// HandleCancel handles POST /api/v1/runs/{id}/cancel.
func (h *RunsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	if err := h.mgr.Cancel(r.Context(), runID); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	h.logger.Info("cancel accepted", zap.String("run_id", runID))
	WriteSuccess(w, map[string]string{"run_id": runID})
}

func runView(run *bridge.Run) api.RunView {
	return api.RunView{
		RunID:     run.ID,
		Status:    string(run.Status),
		Output:    run.Output,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

func suspensionView(rec *bridge.SuspensionRecord) api.SuspensionView {
	return api.SuspensionView{
		RunID:          rec.RunID,
		Category:       string(rec.Category),
		Name:           rec.Name,
		Phase:          string(rec.Phase),
		CapturedState:  rec.CapturedState,
		NextCandidates: rec.NextCandidates,
		CreatedAt:      rec.CreatedAt,
	}
}
