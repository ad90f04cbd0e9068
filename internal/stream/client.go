package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/patentdraft-ai/addin-core/internal/agent"
	"github.com/patentdraft-ai/addin-core/internal/config"
	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/internal/sse"
	"github.com/patentdraft-ai/addin-core/pkg/logger"
	"github.com/patentdraft-ai/addin-core/pkg/metrics"
)

// ErrEmptyMessage is returned when the submitted message is empty after
// trimming.
var ErrEmptyMessage = errors.New("stream: message is empty")

var errRunCancelled = errors.New("stream: run cancelled")

// Callbacks receive a run's side effects. OnChunk fires once per classified
// event; OnComplete fires exactly once per successful run; OnError fires when
// the run fails after exhausting retries. Cancellation fires neither
// OnComplete nor OnError.
type Callbacks struct {
	OnChunk    func(text string, eventType string)
	OnComplete func(result *Result)
	OnError    func(err error)
}

// Result is the consolidated outcome of one run: the final response merged
// with everything captured during streaming.
type Result struct {
	RunID     string
	SessionID string

	Response string
	Thoughts []string
	Analysis string
	Claims   []string
	Data     map[string]any

	ThoughtsExpanded bool
}

// Message converts the result into the finalized assistant message.
func (r *Result) Message() model.Message {
	return model.Message{
		ID:               uuid.Must(uuid.NewV7()).String(),
		Role:             model.RoleAssistant,
		Content:          r.Response,
		Thoughts:         r.Thoughts,
		Analysis:         r.Analysis,
		Claims:           r.Claims,
		Data:             r.Data,
		ThoughtsExpanded: r.ThoughtsExpanded,
		CreatedAt:        time.Now(),
	}
}

// run is the single-owner state of one streamed execution. Every projection
// is guarded by the run's identity: a superseded run's late events never
// touch newer state.
type run struct {
	localID string
	view    *View
	cb      Callbacks
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool // user cancellation or supersession: no callbacks
	finished  atomic.Bool // exactly-once completion or error

	mu        sync.Mutex
	runID     string
	sessionID string
	state     model.RunState
	data      map[string]any
	claims    []string
}

func (r *run) setIdentity(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID = runID
	if sessionID != "" {
		r.sessionID = sessionID
	}
	r.state = model.RunStateStreaming
}

func (r *run) identity() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID, r.sessionID
}

func (r *run) setState(s model.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Terminal() {
		r.state = s
	}
}

func (r *run) mergePayload(data map[string]any, claims []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data != nil {
		r.data = data
	}
	if len(claims) > 0 {
		r.claims = claims
	}
}

func (r *run) payload() (map[string]any, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.claims
}

// Client is the streaming session client. It guarantees at most one in-flight
// run: starting a new submission supersedes (aborts) any active run first.
type Client struct {
	cfg     config.ClientConfig
	backend agent.Service
	logger  *logger.Logger

	mu     sync.Mutex
	active *run
}

// NewClient creates a streaming session client over the given backend.
func NewClient(cfg config.ClientConfig, backend agent.Service, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Client{
		cfg:     cfg,
		backend: backend,
		logger:  log,
	}
}

// Submit starts a run for the given user message. The history snapshot is
// read-only input and is never mutated. Any active run is aborted first and
// its cancellation is reported to the backend best-effort.
func (c *Client) Submit(
	ctx context.Context,
	text string,
	history []model.HistoryMessage,
	doc model.DocumentContent,
	sessionID string,
	cb Callbacks,
) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	r := &run{
		localID: uuid.Must(uuid.NewV7()).String(),
		view:    NewView(),
		cb:      cb,
		started: time.Now(),
		state:   model.RunStateCreated,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.sessionID = sessionID

	c.mu.Lock()
	prev := c.active
	c.active = r
	c.mu.Unlock()

	if prev != nil {
		c.abort(prev)
	}

	req := &model.StartRunRequest{
		UserMessage:         text,
		ConversationHistory: history,
		DocumentContent:     doc,
		SessionID:           sessionID,
	}

	go c.runLoop(r, req)
	return nil
}

// Cancel aborts the active run, best-effort notifies the backend, and resets
// transient state. It fires no callbacks: cancellation is not an error.
func (c *Client) Cancel() {
	c.mu.Lock()
	r := c.active
	c.active = nil
	c.mu.Unlock()

	if r != nil {
		c.abort(r)
	}
}

// Active reports whether a run is currently in flight.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// SetThoughtsExpanded records the user's thoughts-panel toggle on the active
// run; the choice is preserved onto the finalized message.
func (c *Client) SetThoughtsExpanded(expanded bool) {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()

	if r != nil {
		r.view.SetThoughtsExpanded(expanded)
	}
}

// Transient returns the active run's transient projections for display.
func (c *Client) Transient() (thoughts []string, analysis string, final string) {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()

	if r == nil {
		return nil, "", ""
	}
	thoughts, analysis, final, _ = r.view.Snapshot()
	return thoughts, analysis, final
}

func (c *Client) abort(r *run) {
	r.cancelled.Store(true)
	r.cancel()

	if runID, _ := r.identity(); runID != "" {
		go c.notifyCancel(runID)
	}
	c.finishCancelled(r)
}

// notifyCancel tells the backend to release server-side resources for the
// run. Fire-and-forget: failure is logged, never escalated.
func (c *Client) notifyCancel(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()

	if err := c.backend.CancelRun(ctx, runID); err != nil {
		c.logger.Warn("failed to notify backend of run cancellation",
			"run_id", runID,
			"error", err,
		)
	}
}

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 30 * time.Second
}

// runLoop drives one run through its attempts until it reaches a terminal
// state. Every code path resolves completion, error, or cancellation; a
// stream never hangs the caller indefinitely.
func (c *Client) runLoop(r *run, req *model.StartRunRequest) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.attempt(r, req)
		if err == nil {
			return
		}
		if r.cancelled.Load() || errors.Is(err, errRunCancelled) || errors.Is(err, context.Canceled) {
			c.finishCancelled(r)
			return
		}

		lastErr = err
		c.logger.Warn("run attempt failed",
			"run_local_id", r.localID,
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"error", err,
		)

		if attempt == c.cfg.MaxRetries {
			break
		}

		// Surface the retry as a visible thought before backing off.
		retryNote := fmt.Sprintf("Retrying (%d/%d)...", attempt, c.cfg.MaxRetries)
		c.applyThought(r, retryNote, "retrying")
		metrics.RunRetriesTotal.Inc()

		select {
		case <-time.After(bo.NextBackOff()):
		case <-r.ctx.Done():
			c.finishCancelled(r)
			return
		}
	}

	c.fail(r, fmt.Errorf("request failed after %d attempts: %w", c.cfg.MaxRetries, lastErr))
}

// attempt performs one start-and-consume cycle. A nil return means the run
// was resolved (completion callback fired); any error is retryable unless it
// reflects cancellation.
func (c *Client) attempt(r *run, req *model.StartRunRequest) error {
	resp, err := c.backend.StartRun(r.ctx, req)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	r.setIdentity(resp.RunID, resp.SessionID)
	if req.SessionID == "" && resp.SessionID != "" {
		// Session id assigned on first response is reused from here on.
		req.SessionID = resp.SessionID
	}

	body, err := c.backend.OpenStream(r.ctx, resp.RunID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()

	dec := sse.NewDecoder(body, c.logger)
	for {
		ev, err := dec.Next()
		if errors.Is(err, sse.ErrStreamDone) || errors.Is(err, io.EOF) {
			// Clean end of stream, with or without the sentinel: resolve
			// with whatever was staged.
			c.resolve(r)
			return nil
		}
		if err != nil {
			if r.cancelled.Load() {
				return errRunCancelled
			}
			return fmt.Errorf("read stream: %w", err)
		}

		// A superseded run's late events are detected and discarded.
		if !c.isActive(r) || r.finished.Load() {
			return errRunCancelled
		}

		proj := Classify(ev)
		metrics.RecordStreamEvent(proj.EventType)

		if proj.Thought != "" {
			c.applyThought(r, proj.Thought, proj.EventType)
		}
		if proj.Analysis != nil {
			r.view.SetAnalysis(*proj.Analysis)
			c.emitChunk(r, *proj.Analysis, proj.EventType)
		}
		if proj.Final != nil {
			r.view.StageFinal(*proj.Final)
			r.mergePayload(proj.Data, proj.Claims)
			c.emitChunk(r, *proj.Final, proj.EventType)
		}

		if proj.Err != nil {
			// Semantic error event: escalate to the retry path. The
			// thought with its marker has already been appended.
			return fmt.Errorf("agent error event: %w", proj.Err)
		}

		if proj.Complete {
			// Authoritative completion: no further events are processed.
			c.resolve(r)
			return nil
		}
	}
}

func (c *Client) isActive(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == r
}

func (c *Client) clearActive(r *run) {
	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Client) applyThought(r *run, text, eventType string) {
	r.view.AppendThought(text)
	c.emitChunk(r, text, eventType)
}

func (c *Client) emitChunk(r *run, text, eventType string) {
	if r.cb.OnChunk != nil && !r.finished.Load() {
		r.cb.OnChunk(text, eventType)
	}
}

// resolve fires the completion callback exactly once with the consolidated
// result and discards transient state.
func (c *Client) resolve(r *run) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}

	thoughts, analysis, final, staged := r.view.Snapshot()
	if !staged || final == "" {
		// The transport closed without a completion-bearing event; the
		// caller still gets a resolution.
		if analysis != "" {
			final = analysis
		} else {
			final = "Request completed."
		}
	}

	runID, sessionID := r.identity()
	data, claims := r.payload()

	result := &Result{
		RunID:            runID,
		SessionID:        sessionID,
		Response:         final,
		Thoughts:         thoughts,
		Analysis:         analysis,
		Claims:           claims,
		Data:             data,
		ThoughtsExpanded: r.view.ThoughtsExpanded(),
	}

	r.setState(model.RunStateCompleted)
	metrics.RecordRun("completed", time.Since(r.started).Seconds())
	r.view.Reset()
	c.clearActive(r)

	if r.cb.OnComplete != nil {
		r.cb.OnComplete(result)
	}
}

// fail fires the error callback exactly once after retry exhaustion.
func (c *Client) fail(r *run, err error) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}

	r.setState(model.RunStateFailed)
	metrics.RecordRun("failed", time.Since(r.started).Seconds())
	r.view.Reset()
	c.clearActive(r)

	c.logger.Error("run failed", "run_local_id", r.localID, "error", err)
	if r.cb.OnError != nil {
		r.cb.OnError(err)
	}
}

// finishCancelled tears a run down without callbacks.
func (c *Client) finishCancelled(r *run) {
	if !r.finished.CompareAndSwap(false, true) {
		return
	}

	r.setState(model.RunStateAborted)
	metrics.RecordRun("cancelled", time.Since(r.started).Seconds())
	r.view.Reset()
	c.clearActive(r)
}
