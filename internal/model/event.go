package model

// EventType identifies an agent stream event. Matching is case-insensitive;
// types are folded to lower case at the decode boundary.
type EventType string

const (
	// Intent detection stage
	EventIntentAnalysis   EventType = "intent_analysis"
	EventIntentClassified EventType = "intent_classified"

	// Claims drafting stage
	EventClaimsDraftingStart EventType = "claims_drafting_start"
	EventClaimsProgress      EventType = "claims_progress"
	EventClaimGenerated      EventType = "claim_generated"
	EventClaimsComplete      EventType = "claims_complete"

	// Prior-art search stage
	EventPriorArtStart    EventType = "prior_art_start"
	EventPriorArtProgress EventType = "prior_art_progress"
	EventPriorArtComplete EventType = "prior_art_complete"

	// Review stage
	EventReviewStart    EventType = "review_start"
	EventReviewProgress EventType = "review_progress"
	EventReviewComplete EventType = "review_complete"

	// Generic progress and terminal events
	EventProcessing    EventType = "processing"
	EventThoughts      EventType = "thoughts"
	EventError         EventType = "error"
	EventLowConfidence EventType = "low_confidence"
	EventComplete      EventType = "complete"
	EventResults       EventType = "results"

	// Legacy synonyms still emitted by older backends
	EventLLMResponse      EventType = "llm_response"
	EventWorkflowComplete EventType = "workflow_complete"
)

// StageAnalysis marks the claims_progress sub-stage that streams one growing
// analysis block instead of discrete thoughts.
const StageAnalysis = "analysis"

// EventPayload is the JSON body of a stream event. Fields are optional; each
// event type populates the subset it needs.
type EventPayload struct {
	Text            string         `json:"text,omitempty"`
	Message         string         `json:"message,omitempty"`
	Response        string         `json:"response,omitempty"`
	Stage           string         `json:"stage,omitempty"`
	IsStreaming     bool           `json:"is_streaming,omitempty"`
	ClaimNumber     int            `json:"claim_number,omitempty"`
	ConfidenceScore float64        `json:"confidence_score,omitempty"`
	Intent          string         `json:"intent,omitempty"`
	PatentsFound    int            `json:"patents_found,omitempty"`
	NumClaims       int            `json:"num_claims,omitempty"`
	ReviewComments  []string       `json:"review_comments,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Claims          []string       `json:"claims,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// AgentEvent is one decoded (type, payload) pair from the run stream.
type AgentEvent struct {
	Type    EventType    `json:"type"`
	Payload EventPayload `json:"payload"`
}
