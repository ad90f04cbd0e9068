// Package sse decodes text/event-stream framed agent events.
//
// The wire format is the one the agent service emits per run:
//
//	event: <type>
//	data: <json>
//	<blank line>
//
// with end-of-stream signaled by a record whose data is exactly "{}".
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/patentdraft-ai/addin-core/pkg/logger"
)

// ErrStreamDone is returned by Next when the completion sentinel ("data: {}")
// is seen. The stream has no more data; any staged final response should be
// flushed.
var ErrStreamDone = errors.New("sse: stream done")

// Event is one decoded (type, payload) pair. Type is folded to lower case;
// Data is the raw JSON of the data line, already validated.
type Event struct {
	Type string
	Data json.RawMessage
}

// Decoder incrementally decodes events from one response body. It is tied to
// a single stream and is not restartable.
type Decoder struct {
	br *bufio.Reader

	// eventType is sticky: an "event:" line sets it for every following
	// "data:" line until the next "event:" line.
	eventType string

	logger *logger.Logger
}

// NewDecoder wraps a stream body. The reader is consumed incrementally; a
// trailing partial line is buffered across reads and never parsed.
func NewDecoder(r io.Reader, log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Decoder{
		br:        bufio.NewReader(r),
		eventType: "message",
		logger:    log,
	}
}

// Next returns the next decoded event. It returns ErrStreamDone on the
// completion sentinel, io.EOF when the byte source ends, and otherwise the
// underlying read error. Malformed JSON in a single data line is logged and
// skipped; it never fails the stream.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.br.ReadString('\n')
		if err != nil {
			// A partial line with no trailing newline at EOF is by
			// definition incomplete; drop it rather than parse it.
			if err == io.EOF {
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			// Record separator.
			continue
		}

		if raw, ok := strings.CutPrefix(line, "event:"); ok {
			d.eventType = strings.ToLower(strings.TrimSpace(raw))
			continue
		}

		raw, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Comments and unknown fields are ignored per the SSE spec.
			continue
		}

		data := bytes.TrimSpace([]byte(raw))
		if bytes.Equal(data, []byte("{}")) {
			return Event{}, ErrStreamDone
		}

		if !json.Valid(data) {
			d.logger.Warn("skipping malformed stream event",
				"event_type", d.eventType,
				"data_len", len(data),
			)
			continue
		}

		return Event{Type: d.eventType, Data: json.RawMessage(data)}, nil
	}
}
