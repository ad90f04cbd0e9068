package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patentdraft-ai/addin-core/internal/config"
	"github.com/patentdraft-ai/addin-core/internal/conversation"
	"github.com/patentdraft-ai/addin-core/internal/model"
)

// fakeBackend scripts the agent service per call.
type fakeBackend struct {
	mu            sync.Mutex
	startCalls    int
	streamCalls   int
	sessionID     string
	startRunErr   func(call int) error
	openStream    func(call int, runID string) (io.ReadCloser, error)
	cancelledRuns []string
	lastReq       *model.StartRunRequest
}

func (f *fakeBackend) StartRun(ctx context.Context, req *model.StartRunRequest) (*model.StartRunResponse, error) {
	f.mu.Lock()
	f.startCalls++
	call := f.startCalls
	f.lastReq = req
	sessionID := f.sessionID
	f.mu.Unlock()

	if f.startRunErr != nil {
		if err := f.startRunErr(call); err != nil {
			return nil, err
		}
	}
	if sessionID == "" {
		sessionID = "session-1"
	}
	return &model.StartRunResponse{RunID: fmt.Sprintf("run-%d", call), SessionID: sessionID}, nil
}

func (f *fakeBackend) OpenStream(ctx context.Context, runID string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.streamCalls++
	call := f.streamCalls
	f.mu.Unlock()
	return f.openStream(call, runID)
}

func (f *fakeBackend) CancelRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledRuns = append(f.cancelledRuns, runID)
	return nil
}

func (f *fakeBackend) Transform(ctx context.Context, req *model.TransformRequest) (*model.TransformResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelledRuns))
	copy(out, f.cancelledRuns)
	return out
}

type chunk struct {
	text      string
	eventType string
}

// recorder collects callback invocations on channels.
type recorder struct {
	chunks   chan chunk
	complete chan *Result
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		chunks:   make(chan chunk, 64),
		complete: make(chan *Result, 2),
		errs:     make(chan error, 2),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnChunk:    func(text, eventType string) { r.chunks <- chunk{text, eventType} },
		OnComplete: func(result *Result) { r.complete <- result },
		OnError:    func(err error) { r.errs <- err },
	}
}

func (r *recorder) waitComplete(t *testing.T) *Result {
	t.Helper()
	select {
	case res := <-r.complete:
		return res
	case err := <-r.errs:
		t.Fatalf("unexpected error callback: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return nil
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case res := <-r.complete:
		t.Fatalf("unexpected completion callback: %+v", res)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error")
	}
	return nil
}

func (r *recorder) collectedChunks() []chunk {
	var out []chunk
	for {
		select {
		case c := <-r.chunks:
			out = append(out, c)
		default:
			return out
		}
	}
}

func testConfig() config.ClientConfig {
	return config.ClientConfig{
		BaseURL:        "http://fake",
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func sseBody(frames ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(frames, "")))
}

func frame(eventType, data string) string {
	return "event: " + eventType + "\ndata: " + data + "\n\n"
}

func TestSubmit_EmptyMessageRejected(t *testing.T) {
	c := NewClient(testConfig(), &fakeBackend{}, nil)
	err := c.Submit(context.Background(), "   \t ", nil, model.DocumentContent{}, "", Callbacks{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

// Scenario A: a claims drafting run consolidates thoughts, streamed analysis
// and the completion payload into one assistant message.
func TestSubmit_ClaimsDraftingRun(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return sseBody(
				frame("intent_analysis", `{"message":"Analyzing your request..."}`),
				frame("claims_progress", `{"stage":"analysis","is_streaming":true,"text":"The invention"}`),
				frame("claims_progress", `{"stage":"analysis","is_streaming":true,"text":"The invention concerns 5G handover."}`),
				frame("complete", `{"response":"Here are your claims.","data":{"claims":["Claim 1..."]}}`),
			), nil
		},
	}

	conv := conversation.New(time.Second, nil)
	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	userMsg := conv.AppendUserMessage("5G handover using AI")
	require.Equal(t, 1, conv.Len())

	err := c.Submit(context.Background(), userMsg.Content, conv.HistoryForRequest(20), model.DocumentContent{}, conv.SessionID(), rec.callbacks())
	require.NoError(t, err)

	res := rec.waitComplete(t)
	assert.Equal(t, "Here are your claims.", res.Response)
	assert.Equal(t, []string{"Claim 1..."}, res.Claims)
	assert.Equal(t, "The invention concerns 5G handover.", res.Analysis)
	assert.Contains(t, res.Thoughts, "Analyzing your request...")
	assert.True(t, res.ThoughtsExpanded, "defaults to expanded without a manual toggle")
	assert.Equal(t, "session-1", res.SessionID)

	conv.UpdateSessionID(res.SessionID)
	conv.AppendMessage(res.Message())

	history := conv.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, model.RoleUser, history[0].Role)
	assert.Equal(t, model.RoleAssistant, history[1].Role)
	assert.Contains(t, history[1].Claims, "Claim 1...")
	assert.True(t, history[1].ThoughtsExpanded)

	// Transient state is discarded once the run is terminal.
	thoughts, analysis, final := c.Transient()
	assert.Empty(t, thoughts)
	assert.Empty(t, analysis)
	assert.Empty(t, final)
}

// Scenario B: a mid-stream toggle is preserved onto the finalized message.
func TestSubmit_ThoughtsTogglePreserved(t *testing.T) {
	pr, pw := io.Pipe()
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return pr, nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	go func() {
		pw.Write([]byte(frame("processing", `{"message":"working"}`)))
	}()

	// Wait for the first chunk so the toggle lands mid-stream.
	select {
	case <-rec.chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk received")
	}
	c.SetThoughtsExpanded(false)

	go func() {
		pw.Write([]byte(frame("complete", `{"response":"done"}`)))
		pw.Close()
	}()

	res := rec.waitComplete(t)
	assert.False(t, res.ThoughtsExpanded)
	assert.False(t, res.Message().ThoughtsExpanded)
}

// Scenario C: two transport failures then success; retry thoughts are
// visible and the error callback never fires.
func TestSubmit_RetriesThenSucceeds(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			if call <= 2 {
				return nil, errors.New("connection refused")
			}
			return sseBody(frame("complete", `{"response":"third time lucky"}`)), nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	res := rec.waitComplete(t)
	assert.Equal(t, "third time lucky", res.Response)

	var retryNotes []string
	for _, th := range res.Thoughts {
		if strings.HasPrefix(th, "Retrying") {
			retryNotes = append(retryNotes, th)
		}
	}
	assert.Equal(t, []string{"Retrying (1/3)...", "Retrying (2/3)..."}, retryNotes)

	select {
	case err := <-rec.errs:
		t.Fatalf("error callback fired: %v", err)
	default:
	}
}

func TestSubmit_RetryExhaustionReportsAttempts(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return nil, errors.New("connection refused")
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	err := rec.waitError(t)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.False(t, c.Active())
}

// Scenario D: cancellation fires no callbacks and leaves transient state
// empty.
func TestCancel_MidStream(t *testing.T) {
	pr, pw := io.Pipe()
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return pr, nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	go pw.Write([]byte(frame("processing", `{"message":"working"}`)))
	select {
	case <-rec.chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk received")
	}

	c.Cancel()
	pw.CloseWithError(errors.New("connection reset"))

	select {
	case res := <-rec.complete:
		t.Fatalf("completion fired after cancel: %+v", res)
	case err := <-rec.errs:
		t.Fatalf("error fired after cancel: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	assert.False(t, c.Active())
	thoughts, analysis, final := c.Transient()
	assert.Empty(t, thoughts)
	assert.Empty(t, analysis)
	assert.Empty(t, final)

	// Best-effort backend notification for the aborted run.
	assert.Eventually(t, func() bool {
		for _, id := range backend.cancelled() {
			if id == "run-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// A newer submission supersedes the active run; the stale run's late events
// are discarded and never complete it.
func TestSubmit_SupersedesActiveRun(t *testing.T) {
	pr1, pw1 := io.Pipe()
	pr2, pw2 := io.Pipe()
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			if call == 1 {
				return pr1, nil
			}
			return pr2, nil
		},
	}

	rec1 := newRecorder()
	rec2 := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "first question", nil, model.DocumentContent{}, "", rec1.callbacks()))

	go pw1.Write([]byte(frame("processing", `{"message":"run one working"}`)))
	select {
	case <-rec1.chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("run one produced no chunk")
	}

	require.NoError(t, c.Submit(context.Background(), "second question", nil, model.DocumentContent{}, "", rec2.callbacks()))

	// Late events from the superseded run arrive after the new run started.
	go func() {
		pw1.Write([]byte(frame("complete", `{"response":"stale answer"}`)))
		pw1.Close()
	}()
	go func() {
		pw2.Write([]byte(frame("complete", `{"response":"fresh answer"}`)))
		pw2.Close()
	}()

	res := rec2.waitComplete(t)
	assert.Equal(t, "fresh answer", res.Response)

	select {
	case stale := <-rec1.complete:
		t.Fatalf("superseded run completed: %+v", stale)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Eventually(t, func() bool {
		for _, id := range backend.cancelled() {
			if id == "run-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// The transport closing without a sentinel or completion event still
// resolves the caller.
func TestSubmit_EOFWithoutSentinelResolves(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return sseBody(frame("processing", `{"message":"working"}`)), nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	res := rec.waitComplete(t)
	assert.Equal(t, "Request completed.", res.Response)
	assert.Contains(t, res.Thoughts, "working")
}

// A malformed data line between valid events does not corrupt the run.
func TestSubmit_MalformedEventResilience(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return sseBody(
				frame("intent_analysis", `{"message":"Analyzing your request..."}`),
				"event: claims_progress\ndata: {broken json\n\n",
				frame("complete", `{"response":"intact","data":{"claims":["Claim 1..."]}}`),
			), nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	res := rec.waitComplete(t)
	assert.Equal(t, "intact", res.Response)
	assert.Equal(t, []string{"Claim 1..."}, res.Claims)
}

// New thoughts arriving after a staged final response clear the stale
// response.
func TestSubmit_StaleFinalResponseCleared(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return sseBody(
				frame("llm_response", `{"response":"early partial answer"}`),
				frame("processing", `{"message":"still working"}`),
			), nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	res := rec.waitComplete(t)
	// The staged response was invalidated by the newer thought; the run
	// still resolves with the placeholder.
	assert.Equal(t, "Request completed.", res.Response)
}

// Semantic error events escalate through the retry path and succeed on a
// later attempt.
func TestSubmit_ErrorEventTriggersRetry(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			if call == 1 {
				return sseBody(frame("error", `{"error":"tool crashed"}`)), nil
			}
			return sseBody(frame("complete", `{"response":"recovered"}`)), nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	res := rec.waitComplete(t)
	assert.Equal(t, "recovered", res.Response)

	var sawErrorThought bool
	for _, th := range res.Thoughts {
		if strings.Contains(th, "tool crashed") {
			sawErrorThought = true
		}
	}
	assert.True(t, sawErrorThought, "error event should be visible in thoughts")
}

// Session id from the first response is reused on subsequent attempts.
func TestSubmit_SessionIDReusedAcrossRetries(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			if call == 1 {
				return nil, errors.New("connection refused")
			}
			return sseBody(frame("complete", `{"response":"ok"}`)), nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))
	rec.waitComplete(t)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "session-1", backend.lastReq.SessionID)
}

// Low confidence resolves the completion callback, not the error callback.
func TestSubmit_LowConfidenceCompletes(t *testing.T) {
	backend := &fakeBackend{
		openStream: func(call int, runID string) (io.ReadCloser, error) {
			return sseBody(
				frame("low_confidence", `{"confidence_score":0.2,"message":"Not sure, but here goes"}`),
				"data: {}\n\n",
			), nil
		},
	}

	rec := newRecorder()
	c := NewClient(testConfig(), backend, nil)

	require.NoError(t, c.Submit(context.Background(), "draft claims", nil, model.DocumentContent{}, "", rec.callbacks()))

	res := rec.waitComplete(t)
	assert.Equal(t, "Not sure, but here goes", res.Response)
}
