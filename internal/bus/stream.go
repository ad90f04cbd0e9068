package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/patentdraft-ai/addin-core/internal/model"
)

const (
	// StreamName is the name of the run-event stream.
	StreamName = "PATENT_RUNS"

	// SubjectPrefix is the prefix for all run subjects.
	SubjectPrefix = "runs"
)

// StoredEvent is one run event as persisted in the log, annotated with its
// stream sequence on read.
type StoredEvent struct {
	model.AgentEvent
	Sequence uint64 `json:"-"`
}

// RunLog is the JetStream-backed event log for runs.
type RunLog struct {
	client *Client
}

// NewRunLog creates a run-event log over the given client.
func NewRunLog(client *Client) *RunLog {
	return &RunLog{client: client}
}

// EnsureStream ensures the run-event stream exists. Run events are short
// lived; the retention window only needs to cover reconnects.
func (l *RunLog) EnsureStream(ctx context.Context) error {
	js := l.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
		Description: "Agent pipeline events per run",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// RunSubject returns the subject carrying one run's events.
func RunSubject(runID string) string {
	return fmt.Sprintf("%s.%s.events", SubjectPrefix, runID)
}

// Publish appends one event to a run's log and returns its sequence.
func (l *RunLog) Publish(ctx context.Context, runID string, ev model.AgentEvent) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := l.client.JetStream().Publish(ctx, RunSubject(runID), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// Replay fetches up to limit events for a run after the given sequence.
func (l *RunLog) Replay(ctx context.Context, runID string, afterSequence uint64, limit int) ([]StoredEvent, uint64, bool, error) {
	js := l.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: RunSubject(runID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(500*time.Millisecond))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []StoredEvent
	var lastSequence uint64

	for msg := range batch.Messages() {
		var ev StoredEvent
		if err := json.Unmarshal(msg.Data(), &ev.AgentEvent); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			ev.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}
		events = append(events, ev)
	}

	if batch.Error() != nil && batch.Error() != context.DeadlineExceeded {
		return nil, 0, false, fmt.Errorf("batch error: %w", batch.Error())
	}

	return events, lastSequence, len(events) == limit, nil
}

// Tail delivers a run's events to the handler, starting after the given
// sequence, until ctx is cancelled or the handler returns false.
func (l *RunLog) Tail(ctx context.Context, runID string, afterSequence uint64, handler func(StoredEvent) bool) error {
	js := l.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: RunSubject(runID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := consumer.Fetch(16, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return fmt.Errorf("failed to fetch events: %w", err)
		}

		for msg := range batch.Messages() {
			var ev StoredEvent
			if err := json.Unmarshal(msg.Data(), &ev.AgentEvent); err != nil {
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				ev.Sequence = meta.Sequence.Stream
			}
			if !handler(ev) {
				return nil
			}
		}
	}
}
