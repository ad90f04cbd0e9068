package model

// RunState is the lifecycle state of a streamed run. Terminal states are
// final; a run never transitions back to streaming.
type RunState string

const (
	RunStateCreated   RunState = "created"
	RunStateStreaming RunState = "streaming"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateAborted   RunState = "aborted"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateAborted:
		return true
	}
	return false
}

// DocumentContent is the snapshot of the active document sent with a run.
type DocumentContent struct {
	Text       string   `json:"text"`
	Paragraphs []string `json:"paragraphs,omitempty"`
	Selection  string   `json:"selection,omitempty"`
}

// StartRunRequest submits a new run to the agent service.
type StartRunRequest struct {
	UserMessage         string           `json:"user_message"`
	ConversationHistory []HistoryMessage `json:"conversation_history"`
	DocumentContent     DocumentContent  `json:"document_content"`
	SessionID           string           `json:"session_id,omitempty"`
}

// StartRunResponse acknowledges run submission.
type StartRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// TransformRequest asks the agent service for a document transformation plan.
type TransformRequest struct {
	UserRequest     string          `json:"user_request"`
	DocumentContent DocumentContent `json:"document_content"`
	SessionID       string          `json:"session_id,omitempty"`
}

// TransformPlan is the structured payload of a successful transform response.
type TransformPlan struct {
	Plan    string `json:"plan"`
	Summary string `json:"summary"`
}

// TransformResponse is the agent service's answer to a transform request.
type TransformResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    *TransformPlan `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ApplyResult reports the outcome of applying a transformation plan to the
// document.
type ApplyResult struct {
	Success        bool     `json:"success"`
	Message        string   `json:"message"`
	ChangesApplied int      `json:"changes_applied"`
	Errors         []string `json:"errors,omitempty"`
}
