package stream

import (
	"sync"
)

// View is the transient projection of one run's stream: an append-only
// thoughts log, a single-slot analysis accumulator, and a single-slot final
// response buffer. All three are discarded together when the run reaches a
// terminal state.
type View struct {
	mu            sync.Mutex
	thoughts      []string
	analysis      string
	finalResponse string
	finalStaged   bool

	// thoughtsToggle records the user's last explicit visibility choice
	// during this run's streaming phase, if any.
	thoughtsToggle *bool
}

// NewView returns an empty transient view.
func NewView() *View {
	return &View{}
}

// AppendThought appends one status line. Receiving new thoughts while a final
// response is staged clears the stale response so the UI never shows an old
// answer alongside newer reasoning.
func (v *View) AppendThought(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.thoughts = append(v.thoughts, text)
	if v.finalStaged {
		v.finalResponse = ""
		v.finalStaged = false
	}
}

// SetAnalysis overwrites the analysis slot with the latest chunk.
func (v *View) SetAnalysis(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.analysis = text
}

// StageFinal overwrites the staged final response.
func (v *View) StageFinal(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.finalResponse = text
	v.finalStaged = true
}

// SetThoughtsExpanded records the user's explicit toggle during streaming.
func (v *View) SetThoughtsExpanded(expanded bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.thoughtsToggle = &expanded
}

// ThoughtsExpanded resolves the display preference: the user's last explicit
// choice during streaming, or expanded by default.
func (v *View) ThoughtsExpanded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.thoughtsToggle != nil {
		return *v.thoughtsToggle
	}
	return true
}

// Snapshot returns copies of the three projections.
func (v *View) Snapshot() (thoughts []string, analysis string, final string, finalStaged bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	thoughts = make([]string, len(v.thoughts))
	copy(thoughts, v.thoughts)
	return thoughts, v.analysis, v.finalResponse, v.finalStaged
}

// Reset discards all transient state atomically.
func (v *View) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.thoughts = nil
	v.analysis = ""
	v.finalResponse = ""
	v.finalStaged = false
	v.thoughtsToggle = nil
}
