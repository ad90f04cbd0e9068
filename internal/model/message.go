// Package model defines data structures for the patent drafting assistant.
package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents one exchanged conversational turn. Messages are created
// once (on submit for user messages, on stream completion for assistant
// messages) and never mutated afterwards.
type Message struct {
	// Identity
	ID string `json:"id"`

	// Content
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Streaming byproducts (assistant messages only)
	Thoughts []string `json:"thoughts,omitempty"`
	Analysis string   `json:"analysis,omitempty"`
	Claims   []string `json:"claims,omitempty"`

	// Structured payload carried by the completion event.
	Data map[string]any `json:"data,omitempty"`

	// ThoughtsExpanded is the display preference for the thoughts panel.
	ThoughtsExpanded bool `json:"thoughts_expanded"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
}

// HistoryMessage is the wire form of a prior turn sent as run context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
