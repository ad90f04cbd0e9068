package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patentdraft-ai/addin-core/internal/bus"
	"github.com/patentdraft-ai/addin-core/internal/middleware"
	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/internal/pipeline"
	"github.com/patentdraft-ai/addin-core/pkg/logger"
	"github.com/patentdraft-ai/addin-core/pkg/metrics"
)

// RunHandler handles run submission, streaming and cancellation.
type RunHandler struct {
	pipeline *pipeline.Pipeline
	runLog   *bus.RunLog
	logger   *logger.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(p *pipeline.Pipeline, runLog *bus.RunLog, log *logger.Logger) *RunHandler {
	return &RunHandler{
		pipeline: p,
		runLog:   runLog,
		logger:   log,
	}
}

// Start handles POST /api/v1/runs
func (h *RunHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateUserMessage(req.UserMessage); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateSessionID(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.pipeline.StartRun(r.Context(), &req)
	if err != nil {
		h.logger.Error("failed to start run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Stream handles GET /api/v1/runs/{id}/stream
// Supports ?after_sequence=N for resuming after a reconnect.
func (h *RunHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	if err := middleware.ValidateRunID(runID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// Tail the run log in the background; the handler goroutine owns the
	// response writer.
	events := make(chan bus.StoredEvent, 16)
	tailErr := make(chan error, 1)
	go func() {
		defer close(events)
		tailErr <- h.runLog.Tail(ctx, runID, afterSequence, func(ev bus.StoredEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", "run_id", runID)
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				if err := <-tailErr; err != nil && ctx.Err() == nil {
					h.logger.Error("run log tail failed", "run_id", runID, "error", err)
				}
				return
			}

			if err := sendSSEEvent(w, flusher, string(ev.Type), ev.Payload); err != nil {
				h.logger.Warn("failed to write SSE event", "run_id", runID, "error", err)
				return
			}

			// The canonical completion event ends the stream; the empty
			// object record is the end-of-stream sentinel clients wait for.
			if isTerminalEvent(ev.Type) {
				fmt.Fprint(w, "data: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

// Cancel handles POST /api/v1/runs/{id}/cancel
// Best-effort from the client's perspective: local cleanup proceeds without
// waiting on the response.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	if err := middleware.ValidateRunID(runID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	known := h.pipeline.Cancel(runID)
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": known})
}

func isTerminalEvent(t model.EventType) bool {
	switch model.EventType(strings.ToLower(string(t))) {
	case model.EventComplete, model.EventResults, model.EventWorkflowComplete:
		return true
	}
	return false
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
