package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentdraft-ai/addin-core/internal/sse"
)

func ev(t *testing.T, eventType, payload string) sse.Event {
	t.Helper()
	require.True(t, json.Valid([]byte(payload)))
	return sse.Event{Type: eventType, Data: json.RawMessage(payload)}
}

func TestClassify_ThoughtEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		want      string
	}{
		{"intent analysis default", "intent_analysis", `{}`, "Analyzing your request..."},
		{"intent analysis message", "intent_analysis", `{"message":"Looking at intent"}`, "Looking at intent"},
		{"intent classified", "intent_classified", `{"intent":"draft_claims"}`, "Intent: draft_claims"},
		{"claims drafting start", "claims_drafting_start", `{}`, "Drafting patent claims..."},
		{"claim generated", "claim_generated", `{"claim_number":2}`, "Generated claim 2"},
		{"prior art start", "prior_art_start", `{}`, "Searching prior art..."},
		{"prior art progress", "prior_art_progress", `{"message":"Searching EPO..."}`, "Searching EPO..."},
		{"review complete with comments", "review_complete", `{"review_comments":["a","b"]}`, "Review complete (2 comments)"},
		{"processing", "processing", `{}`, "Processing..."},
		{"thoughts passthrough", "thoughts", `{"text":"raw thought"}`, "raw thought"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Classify(ev(t, tt.eventType, tt.payload))
			assert.Equal(t, tt.want, p.Thought)
			assert.Nil(t, p.Analysis)
			assert.Nil(t, p.Final)
			assert.False(t, p.Complete)
		})
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	p := Classify(ev(t, "INTENT_ANALYSIS", `{"message":"hi"}`))
	assert.Equal(t, "hi", p.Thought)

	p = Classify(ev(t, "Complete", `{"response":"done"}`))
	assert.True(t, p.Complete)
}

func TestClassify_AnalysisStreamingSubStage(t *testing.T) {
	p := Classify(ev(t, "claims_progress", `{"stage":"analysis","is_streaming":true,"text":"growing block"}`))
	require.NotNil(t, p.Analysis)
	assert.Equal(t, "growing block", *p.Analysis)
	assert.Empty(t, p.Thought)

	// Same type without the streaming analysis marker is a plain thought.
	p = Classify(ev(t, "claims_progress", `{"message":"step 2"}`))
	assert.Nil(t, p.Analysis)
	assert.Equal(t, "step 2", p.Thought)

	// Stage matching is case-insensitive too.
	p = Classify(ev(t, "claims_progress", `{"stage":"Analysis","is_streaming":true,"text":"x"}`))
	assert.NotNil(t, p.Analysis)
}

func TestClassify_CompleteCarriesClaims(t *testing.T) {
	p := Classify(ev(t, "complete", `{"response":"final answer","data":{"claims":["Claim 1...","Claim 2..."]}}`))
	assert.True(t, p.Complete)
	require.NotNil(t, p.Final)
	assert.Equal(t, "final answer", *p.Final)
	assert.Equal(t, []string{"Claim 1...", "Claim 2..."}, p.Claims)
}

func TestClassify_LegacyCompletionSynonyms(t *testing.T) {
	for _, typ := range []string{"results", "llm_response", "workflow_complete"} {
		p := Classify(ev(t, typ, `{"response":"report text"}`))
		require.NotNil(t, p.Final, typ)
		assert.Equal(t, "report text", *p.Final, typ)
		// Only the canonical complete event is authoritative.
		assert.False(t, p.Complete, typ)
	}
}

func TestClassify_PriorArtCompleteContentGated(t *testing.T) {
	// With a full report it stages the final response.
	p := Classify(ev(t, "prior_art_complete", `{"response":"12 page report"}`))
	require.NotNil(t, p.Final)
	assert.Equal(t, "12 page report", *p.Final)

	// Bare markers are thought-log entries.
	p = Classify(ev(t, "prior_art_complete", `{"patents_found":4}`))
	assert.Nil(t, p.Final)
	assert.Equal(t, "Prior art search complete (4 patents found)", p.Thought)
}

func TestClassify_ClaimsCompleteContentGated(t *testing.T) {
	p := Classify(ev(t, "claims_complete", `{"text":"Claim 1. A method..."}`))
	require.NotNil(t, p.Final)

	p = Classify(ev(t, "claims_complete", `{"num_claims":3}`))
	assert.Nil(t, p.Final)
	assert.Equal(t, "Claims drafting complete (3 claims)", p.Thought)
}

func TestClassify_ErrorEvent(t *testing.T) {
	p := Classify(ev(t, "error", `{"error":"tool execution failed"}`))
	require.Error(t, p.Err)
	assert.Contains(t, p.Thought, "tool execution failed")
	assert.Contains(t, p.Thought, "⚠")
}

func TestClassify_LowConfidenceIsTerminalSuccessful(t *testing.T) {
	p := Classify(ev(t, "low_confidence", `{"confidence_score":0.31,"message":"Best guess answer"}`))
	assert.NoError(t, p.Err)
	assert.Contains(t, p.Thought, "Low confidence")
	require.NotNil(t, p.Final)
	assert.Equal(t, "Best guess answer", *p.Final)
}

func TestClassify_UnknownTypePrefixedNotDropped(t *testing.T) {
	p := Classify(ev(t, "telemetry_ping", `{"message":"42ms"}`))
	assert.Equal(t, "telemetry_ping: 42ms", p.Thought)

	p = Classify(ev(t, "telemetry_ping", `{}`))
	assert.Equal(t, "telemetry_ping", p.Thought)
}
