// Package stream implements the streaming session client: it classifies agent
// events into view projections and reconciles one run's stream into a single
// consolidated assistant message.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/internal/sse"
)

// Projection is the observable effect of one classified event. At most one of
// Thought/Analysis/Final is set per event, except low_confidence which both
// logs a thought and stages a final response.
type Projection struct {
	// EventType is the (lower-cased) type the projection came from.
	EventType string

	// Thought, when non-empty, is appended to the run's thoughts log.
	Thought string

	// Analysis, when set, overwrites the single analysis slot.
	Analysis *string

	// Final, when set, overwrites the staged final response.
	Final *string

	// Complete marks authoritative completion: no further events for the
	// run are processed.
	Complete bool

	// Data and Claims carry the structured payload of a completion event.
	Data   map[string]any
	Claims []string

	// Err is set for semantic error events; the client escalates it to the
	// retry path.
	Err error
}

// Classify maps one decoded stream event onto its projection. Unknown event
// types are never dropped: they surface as thoughts prefixed with the raw
// type name.
func Classify(ev sse.Event) Projection {
	var p model.EventPayload
	// Data was validated by the decoder; an unmarshal failure here can only
	// mean a non-object payload, which classifies like an empty one.
	_ = json.Unmarshal(ev.Data, &p)

	// Event types are matched case-insensitively; the decoder already folds
	// to lower case, this re-fold keeps Classify safe to call directly.
	switch model.EventType(strings.ToLower(ev.Type)) {
	case model.EventIntentAnalysis:
		return Projection{EventType: ev.Type, Thought: textOr(p, "Analyzing your request...")}

	case model.EventIntentClassified:
		if p.Intent != "" {
			return Projection{EventType: ev.Type, Thought: fmt.Sprintf("Intent: %s", p.Intent)}
		}
		return Projection{EventType: ev.Type, Thought: textOr(p, "Intent classified")}

	case model.EventClaimsDraftingStart:
		return Projection{EventType: ev.Type, Thought: textOr(p, "Drafting patent claims...")}

	case model.EventClaimsProgress:
		// The analysis sub-stage is a progressive reveal of one growing
		// text block, not a list entry.
		if strings.EqualFold(p.Stage, model.StageAnalysis) && p.IsStreaming {
			text := firstOf(p.Text, p.Message)
			return Projection{EventType: ev.Type, Analysis: &text}
		}
		return Projection{EventType: ev.Type, Thought: textOr(p, "Drafting claims...")}

	case model.EventClaimGenerated:
		if p.ClaimNumber > 0 {
			return Projection{EventType: ev.Type, Thought: fmt.Sprintf("Generated claim %d", p.ClaimNumber)}
		}
		return Projection{EventType: ev.Type, Thought: textOr(p, "Generated claim")}

	case model.EventPriorArtStart:
		return Projection{EventType: ev.Type, Thought: textOr(p, "Searching prior art...")}

	case model.EventPriorArtProgress:
		return Projection{EventType: ev.Type, Thought: textOr(p, "Searching prior art...")}

	case model.EventPriorArtComplete:
		// Completion-bearing only when it carries a full report; a bare
		// marker is a thought-log entry.
		if report := firstOf(p.Response, p.Text); report != "" {
			return Projection{EventType: ev.Type, Final: &report, Data: p.Data, Claims: p.Claims}
		}
		if p.PatentsFound > 0 {
			return Projection{EventType: ev.Type, Thought: fmt.Sprintf("Prior art search complete (%d patents found)", p.PatentsFound)}
		}
		return Projection{EventType: ev.Type, Thought: textOr(p, "Prior art search complete")}

	case model.EventClaimsComplete:
		if text := firstOf(p.Response, p.Text); text != "" {
			return Projection{EventType: ev.Type, Final: &text, Data: p.Data, Claims: p.Claims}
		}
		if p.NumClaims > 0 {
			return Projection{EventType: ev.Type, Thought: fmt.Sprintf("Claims drafting complete (%d claims)", p.NumClaims)}
		}
		return Projection{EventType: ev.Type, Thought: textOr(p, "Claims drafting complete")}

	case model.EventReviewStart:
		return Projection{EventType: ev.Type, Thought: textOr(p, "Reviewing draft...")}

	case model.EventReviewProgress:
		return Projection{EventType: ev.Type, Thought: textOr(p, "Reviewing draft...")}

	case model.EventReviewComplete:
		if len(p.ReviewComments) > 0 {
			return Projection{EventType: ev.Type, Thought: fmt.Sprintf("Review complete (%d comments)", len(p.ReviewComments))}
		}
		return Projection{EventType: ev.Type, Thought: textOr(p, "Review complete")}

	case model.EventProcessing:
		return Projection{EventType: ev.Type, Thought: textOr(p, "Processing...")}

	case model.EventThoughts:
		return Projection{EventType: ev.Type, Thought: firstOf(p.Text, p.Message)}

	case model.EventError:
		msg := firstOf(p.Error, p.Message, p.Text)
		if msg == "" {
			msg = "unknown error"
		}
		return Projection{
			EventType: ev.Type,
			Thought:   "⚠ " + msg,
			Err:       errors.New(msg),
		}

	case model.EventLowConfidence:
		// Terminal-but-successful: logged with a marker and resolved as a
		// valid completion, never as an error.
		msg := firstOf(p.Message, p.Text, p.Response)
		final := msg
		if final == "" {
			final = "I could not produce a confident answer. Please rephrase your request."
		}
		return Projection{
			EventType: ev.Type,
			Thought:   fmt.Sprintf("⚠ Low confidence (%.2f)", p.ConfidenceScore),
			Final:     &final,
		}

	case model.EventComplete:
		final := firstOf(p.Response, p.Text, p.Message)
		return Projection{
			EventType: ev.Type,
			Final:     &final,
			Complete:  true,
			Data:      p.Data,
			Claims:    claimsOf(p),
		}

	case model.EventResults, model.EventLLMResponse, model.EventWorkflowComplete:
		final := firstOf(p.Response, p.Text, p.Message)
		return Projection{EventType: ev.Type, Final: &final, Data: p.Data, Claims: claimsOf(p)}

	default:
		// Unknown types still surface, prefixed with the raw type name.
		if text := firstOf(p.Message, p.Text); text != "" {
			return Projection{EventType: ev.Type, Thought: fmt.Sprintf("%s: %s", ev.Type, text)}
		}
		return Projection{EventType: ev.Type, Thought: ev.Type}
	}
}

// textOr returns the payload's human-readable text or the fallback.
func textOr(p model.EventPayload, fallback string) string {
	if s := firstOf(p.Message, p.Text); s != "" {
		return s
	}
	return fallback
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// claimsOf merges explicit claims with claims embedded in the structured
// data payload of a completion event.
func claimsOf(p model.EventPayload) []string {
	if len(p.Claims) > 0 {
		return p.Claims
	}
	raw, ok := p.Data["claims"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		claims := make([]string, 0, len(v))
		for _, c := range v {
			if s, ok := c.(string); ok {
				claims = append(claims, s)
			}
		}
		return claims
	}
	return nil
}
