// Package conversation owns the authoritative message history and session
// identity. It performs no I/O: the streaming client produces values, the
// caller feeds them in here, and the presentation layer reads only from here.
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/pkg/logger"
)

// DefaultUndoGraceWindow bounds how long a cleared conversation can be
// restored.
const DefaultUndoGraceWindow = 10 * time.Second

// Conversation is the state reducer for one logical conversation.
type Conversation struct {
	mu        sync.Mutex
	messages  []model.Message
	sessionID string

	// snapshot holds the pre-clear state during the undo grace window.
	snapshot  *snapshot
	undoTimer *time.Timer

	graceWindow time.Duration
	logger      *logger.Logger
}

type snapshot struct {
	messages  []model.Message
	sessionID string
}

// New creates an empty conversation. A non-positive grace window falls back
// to the default.
func New(graceWindow time.Duration, log *logger.Logger) *Conversation {
	if graceWindow <= 0 {
		graceWindow = DefaultUndoGraceWindow
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Conversation{
		graceWindow: graceWindow,
		logger:      log,
	}
}

// AppendMessage inserts a message at the end of the history. Order equals
// call order; nothing is reordered or deduplicated.
func (c *Conversation) AppendMessage(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// AppendUserMessage creates and appends a user message, returning it.
func (c *Conversation) AppendUserMessage(content string) model.Message {
	msg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	c.AppendMessage(msg)
	return msg
}

// UpdateSessionID sets or overwrites the session id. Once set it is reused
// for all subsequent requests until Clear.
func (c *Conversation) UpdateSessionID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// SessionID returns the current session id, empty if none was assigned yet.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// History returns a copy of the most recent limit messages, or all messages
// when limit is non-positive.
func (c *Conversation) History(limit int) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// HistoryForRequest returns the recent history in the wire form sent as run
// context.
func (c *Conversation) HistoryForRequest(limit int) []model.HistoryMessage {
	msgs := c.History(limit)
	out := make([]model.HistoryMessage, len(msgs))
	for i, m := range msgs {
		out[i] = model.HistoryMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Clear atomically empties the message list and session id, keeping a
// snapshot that Undo can restore until the grace window elapses.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.discardSnapshotLocked()
	c.snapshot = &snapshot{
		messages:  c.messages,
		sessionID: c.sessionID,
	}
	c.messages = nil
	c.sessionID = ""

	c.undoTimer = time.AfterFunc(c.graceWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.snapshot != nil {
			c.snapshot = nil
			c.undoTimer = nil
			c.logger.Debug("conversation clear became permanent")
		}
	})
}

// Undo restores the state captured by the last Clear. It reports whether a
// restore happened; after the grace window it is a no-op.
func (c *Conversation) Undo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot == nil {
		return false
	}
	c.messages = c.snapshot.messages
	c.sessionID = c.snapshot.sessionID
	c.discardSnapshotLocked()
	return true
}

func (c *Conversation) discardSnapshotLocked() {
	if c.undoTimer != nil {
		c.undoTimer.Stop()
		c.undoTimer = nil
	}
	c.snapshot = nil
}
