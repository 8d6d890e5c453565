package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/runbridge/api"
	"github.com/BaSui01/runbridge/bridge"
)

// StreamHandler serves GET /api/v1/runs/{id}/events: the run's live event
// stream over a websocket. Each message is one api.StreamFrame; the
// connection closes normally after the result frame.
type StreamHandler struct {
	mgr    *bridge.Manager
	logger *zap.Logger
}

// NewStreamHandler creates the stream handler.
func NewStreamHandler(mgr *bridge.Manager, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		mgr:    mgr,
		logger: logger.With(zap.String("component", "stream_handler")),
	}
}

// HandleEvents upgrades the request and forwards the run's stream events.
func (h *StreamHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	// Reject unknown runs before upgrading.
	run, err := h.mgr.GetRun(r.Context(), runID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed",
			zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()

	// A run that already finished gets its result immediately.
	if run.Status.Terminal() {
		frame := resultFrame(run)
		if err := writeFrame(ctx, conn, frame); err == nil {
			conn.Close(websocket.StatusNormalClosure, "run finished")
		}
		return
	}

	events, release := h.mgr.Subscribe(runID)
	defer release()

	// The run may have finished between GetRun and Subscribe; re-check so
	// the client is not left waiting on a channel nobody will close.
	run, err = h.mgr.GetRun(ctx, runID)
	if err == nil && run.Status.Terminal() {
		if werr := writeFrame(ctx, conn, resultFrame(run)); werr == nil {
			conn.Close(websocket.StatusNormalClosure, "run finished")
		}
		return
	}

	// Replay a pending suspension so a client attaching late still learns
	// where the run is parked. The broadcast copy may arrive as well; a
	// duplicate suspended frame is harmless since resume is idempotent.
	if rec, serr := h.mgr.GetSuspension(ctx, runID); serr == nil {
		view := suspensionView(rec)
		frame := api.StreamFrame{Kind: string(bridge.StreamSuspended), Suspension: &view}
		if werr := writeFrame(ctx, conn, frame); werr != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := writeFrame(ctx, conn, streamFrame(ev)); err != nil {
				if !errors.Is(err, ctx.Err()) {
					h.logger.Debug("websocket write failed",
						zap.String("run_id", runID), zap.Error(err))
				}
				return
			}
			if ev.Kind == bridge.StreamResult {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame api.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func streamFrame(ev bridge.StreamEvent) api.StreamFrame {
	frame := api.StreamFrame{
		Kind:    string(ev.Kind),
		Node:    ev.Node,
		Payload: ev.Payload,
	}
	if ev.Suspension != nil {
		view := suspensionView(ev.Suspension)
		frame.Suspension = &view
	}
	if ev.Result != nil {
		frame.Result = &api.RunView{
			RunID:  ev.Result.RunID,
			Status: string(ev.Result.Status),
			Output: ev.Result.Output,
			Error:  ev.Result.Error,
		}
	}
	return frame
}

func resultFrame(run *bridge.Run) api.StreamFrame {
	view := api.RunView{
		RunID:     run.ID,
		Status:    string(run.Status),
		Output:    run.Output,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	return api.StreamFrame{Kind: string(bridge.StreamResult), Result: &view}
}
