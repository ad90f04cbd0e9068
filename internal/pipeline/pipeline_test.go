package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentdraft-ai/addin-core/internal/model"
)

// memorySink captures published events in order.
type memorySink struct {
	mu     sync.Mutex
	seq    uint64
	events []model.AgentEvent
	runIDs map[string]bool
}

func newMemorySink() *memorySink {
	return &memorySink{runIDs: make(map[string]bool)}
}

func (s *memorySink) Publish(ctx context.Context, runID string, ev model.AgentEvent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.events = append(s.events, ev)
	s.runIDs[runID] = true
	return s.seq, nil
}

func (s *memorySink) snapshot() []model.AgentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AgentEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *memorySink) types() []model.EventType {
	var out []model.EventType
	for _, ev := range s.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

func (s *memorySink) last() (model.AgentEvent, bool) {
	evs := s.snapshot()
	if len(evs) == 0 {
		return model.AgentEvent{}, false
	}
	return evs[len(evs)-1], true
}

func waitTerminal(t *testing.T, sink *memorySink) model.AgentEvent {
	t.Helper()
	var last model.AgentEvent
	require.Eventually(t, func() bool {
		ev, ok := sink.last()
		if !ok {
			return false
		}
		last = ev
		return ev.Type == model.EventComplete
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestStartRun_AssignsIdentifiers(t *testing.T) {
	sink := newMemorySink()
	p := New(sink, nil, 0, nil)

	resp, err := p.StartRun(context.Background(), &model.StartRunRequest{UserMessage: "draft claims"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RunID)
	assert.NotEmpty(t, resp.SessionID)

	// A caller-provided session id is kept.
	resp2, err := p.StartRun(context.Background(), &model.StartRunRequest{
		UserMessage: "draft claims",
		SessionID:   "session-keep",
	})
	require.NoError(t, err)
	assert.Equal(t, "session-keep", resp2.SessionID)
	assert.NotEqual(t, resp.RunID, resp2.RunID)
}

func TestExecute_ClaimsDraftingStages(t *testing.T) {
	sink := newMemorySink()
	p := New(sink, nil, 0, nil)

	_, err := p.StartRun(context.Background(), &model.StartRunRequest{
		UserMessage: "draft claims for a drone landing system",
	})
	require.NoError(t, err)

	final := waitTerminal(t, sink)
	assert.NotEmpty(t, final.Payload.Response)
	assert.Equal(t, 3, final.Payload.NumClaims)
	claims, ok := final.Payload.Data["claims"].([]string)
	require.True(t, ok)
	assert.Len(t, claims, 3)

	types := sink.types()
	assert.Equal(t, model.EventIntentAnalysis, types[0])
	assert.Equal(t, model.EventIntentClassified, types[1])
	assert.Contains(t, types, model.EventClaimsDraftingStart)
	assert.Contains(t, types, model.EventClaimsProgress)
	assert.Contains(t, types, model.EventClaimGenerated)
	assert.Contains(t, types, model.EventReviewStart)
	assert.Contains(t, types, model.EventReviewComplete)

	// Streamed analysis grows monotonically.
	var lastLen int
	for _, ev := range sink.snapshot() {
		if ev.Type == model.EventClaimsProgress && ev.Payload.IsStreaming {
			assert.Equal(t, model.StageAnalysis, ev.Payload.Stage)
			assert.GreaterOrEqual(t, len(ev.Payload.Text), lastLen)
			lastLen = len(ev.Payload.Text)
		}
	}
	assert.Positive(t, lastLen)
}

func TestExecute_PriorArtStages(t *testing.T) {
	sink := newMemorySink()
	p := New(sink, nil, 0, nil)

	_, err := p.StartRun(context.Background(), &model.StartRunRequest{
		UserMessage: "run a prior art search on adaptive cruise control",
	})
	require.NoError(t, err)

	final := waitTerminal(t, sink)
	assert.Contains(t, final.Payload.Response, "Prior art search")

	types := sink.types()
	assert.Contains(t, types, model.EventPriorArtStart)
	assert.Contains(t, types, model.EventPriorArtProgress)
	assert.Contains(t, types, model.EventPriorArtComplete)
	assert.NotContains(t, types, model.EventClaimsDraftingStart)

	// The completion marker carries only the count; the report arrives with
	// the complete event.
	for _, ev := range sink.snapshot() {
		if ev.Type == model.EventPriorArtComplete {
			assert.Empty(t, ev.Payload.Response)
			assert.Positive(t, ev.Payload.PatentsFound)
		}
	}
}

func TestCancel_StopsEmission(t *testing.T) {
	sink := newMemorySink()
	p := New(sink, nil, 50*time.Millisecond, nil)

	resp, err := p.StartRun(context.Background(), &model.StartRunRequest{
		UserMessage: "draft claims for a pump",
	})
	require.NoError(t, err)

	// Let the first stage land, then cancel.
	require.Eventually(t, func() bool {
		_, ok := sink.last()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, p.Cancel(resp.RunID))
	assert.False(t, p.Known(resp.RunID))

	time.Sleep(150 * time.Millisecond)
	count := len(sink.snapshot())
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, count, len(sink.snapshot()), "events kept flowing after cancel")

	types := sink.types()
	assert.NotContains(t, types, model.EventComplete)
}

func TestCancel_UnknownRun(t *testing.T) {
	p := New(newMemorySink(), nil, 0, nil)
	assert.False(t, p.Cancel("never-issued"))
}

func TestDetectIntent(t *testing.T) {
	assert.Equal(t, IntentPriorArtSearch, detectIntent("Find prior art for my widget"))
	assert.Equal(t, IntentPriorArtSearch, detectIntent("search for similar patents"))
	assert.Equal(t, IntentPriorArtSearch, detectIntent("assess the NOVELTY of this"))
	assert.Equal(t, IntentDraftClaims, detectIntent("draft claims for my widget"))
	assert.Equal(t, IntentDraftClaims, detectIntent("write me a patent application"))
}

func TestSplitClaims(t *testing.T) {
	content := "The invention is a widget.\n" +
		"It has several advantages.\n" +
		"\n" +
		"Claim 1. A widget comprising a frame\n" +
		"and a handle.\n" +
		"\n" +
		"Claim 2. The widget of claim 1, wherein the handle is foldable.\n"

	analysis, claims := splitClaims(content)
	assert.Equal(t, "The invention is a widget. It has several advantages.", analysis)
	require.Len(t, claims, 2)
	assert.Equal(t, "Claim 1. A widget comprising a frame and a handle.", claims[0])
	assert.Equal(t, "Claim 2. The widget of claim 1, wherein the handle is foldable.", claims[1])
}

func TestSplitClaims_NumberedListForm(t *testing.T) {
	content := "Short analysis.\n\n1. A method of doing X.\n\n2. The method of claim 1.\n"

	analysis, claims := splitClaims(content)
	assert.Equal(t, "Short analysis.", analysis)
	require.Len(t, claims, 2)
	assert.Equal(t, "1. A method of doing X.", claims[0])
}

func TestSummarize_TruncatesLongMessages(t *testing.T) {
	long := ""
	for i := 0; i < 20; i++ {
		long += "very long message "
	}
	out := summarize(long)
	assert.LessOrEqual(t, len(out), 84)
	assert.Contains(t, out, "...")

	assert.Equal(t, "short", summarize("  short  "))
}
