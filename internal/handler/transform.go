package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/patentdraft-ai/addin-core/internal/middleware"
	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/pkg/logger"
)

// TransformHandler serves document transformation plans.
type TransformHandler struct {
	logger *logger.Logger
}

// NewTransformHandler creates a new transform handler.
func NewTransformHandler(log *logger.Logger) *TransformHandler {
	return &TransformHandler{logger: log}
}

// Transform handles POST /api/v1/transform
func (h *TransformHandler) Transform(w http.ResponseWriter, r *http.Request) {
	var req model.TransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateUserMessage(req.UserRequest); err != nil {
		writeJSON(w, http.StatusOK, &model.TransformResponse{
			Success: false,
			Message: "invalid transformation request",
			Error:   err.Error(),
		})
		return
	}

	plan, summary := buildPlan(&req)
	h.logger.Info("transformation plan built",
		"session_id", req.SessionID,
		"document_len", len(req.DocumentContent.Text),
	)

	writeJSON(w, http.StatusOK, &model.TransformResponse{
		Success: true,
		Message: "transformation plan ready",
		Data: &model.TransformPlan{
			Plan:    plan,
			Summary: summary,
		},
	})
}

// buildPlan produces a scripted edit plan for the document collaborator. The
// plan format mirrors what the production service emits: a JSON list of
// operations over paragraph indexes.
func buildPlan(req *model.TransformRequest) (string, string) {
	paragraphs := req.DocumentContent.Paragraphs
	if len(paragraphs) == 0 && req.DocumentContent.Text != "" {
		paragraphs = strings.Split(req.DocumentContent.Text, "\n")
	}

	type op struct {
		Action    string `json:"action"`
		Paragraph int    `json:"paragraph"`
		Text      string `json:"text,omitempty"`
	}

	ops := []op{
		{Action: "insert_after", Paragraph: len(paragraphs) - 1, Text: "[Amended] " + req.UserRequest},
	}
	plan, _ := json.Marshal(ops)

	summary := fmt.Sprintf("1 edit planned for %q", strings.TrimSpace(req.UserRequest))
	return string(plan), summary
}
