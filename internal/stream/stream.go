// Package stream carries the incremental output of one conversation turn to
// the client: text deltas, tool-call lifecycle annotations, and terminal
// done/error markers, in strict arrival order.
package stream

import (
	"context"

	"github.com/google/uuid"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventText carries a chunk of assistant text.
	EventText EventType = "text"

	// EventToolCall carries a tool-call lifecycle annotation.
	EventToolCall EventType = "tool_call"

	// EventDone marks the successful end of a turn. Always the last event.
	EventDone EventType = "done"

	// EventError marks an aborted turn. Always the last event.
	EventError EventType = "error"
)

// ToolCallState distinguishes the two annotations emitted per tool call.
type ToolCallState string

const (
	// StateCall is emitted before the tool executes.
	StateCall ToolCallState = "call"

	// StateResult is emitted after the tool resolves.
	StateResult ToolCallState = "result"
)

// ToolCallData is the payload of an [EventToolCall] event. The same
// ToolCallID appears on the call annotation and its matching result
// annotation so the client can reconcile pending and final UI states.
type ToolCallData struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	State      ToolCallState  `json:"state"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
}

// Event is one entry in the append-only output stream.
type Event struct {
	Type     EventType     `json:"type"`
	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCallData `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Sink receives stream events in emission order. Implementations decide
// delivery (websocket frame, buffered slice in tests). Emit must not block
// indefinitely; it should honour ctx.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// NewCallID returns a fresh client-addressable tool call identifier.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

// Annotator wraps a Sink with the tool-call annotation protocol: every
// invocation gets a "call" annotation before execution and a "result"
// annotation after, except that results of UI-rendered tools are withheld
// from the stream (the client already renders them from the call's
// dedicated widget; the result still reaches the model context).
type Annotator struct {
	sink Sink
}

// NewAnnotator returns an Annotator over sink.
func NewAnnotator(sink Sink) *Annotator {
	return &Annotator{sink: sink}
}

// TextDelta forwards a chunk of assistant text.
func (a *Annotator) TextDelta(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return a.sink.Emit(ctx, Event{Type: EventText, Text: text})
}

// ToolCallIssued emits the "call" annotation. Always streamed, for every
// tool, so the client can show a pending indicator.
func (a *Annotator) ToolCallIssued(ctx context.Context, callID, toolName string, args map[string]any) error {
	return a.sink.Emit(ctx, Event{
		Type: EventToolCall,
		ToolCall: &ToolCallData{
			ToolCallID: callID,
			ToolName:   toolName,
			State:      StateCall,
			Args:       args,
		},
	})
}

// ToolCallResolved emits the "result" annotation unless the tool is
// UI-rendered, in which case the annotation is suppressed.
func (a *Annotator) ToolCallResolved(ctx context.Context, callID, toolName string, result any, uiRendered bool) error {
	if uiRendered {
		return nil
	}
	return a.sink.Emit(ctx, Event{
		Type: EventToolCall,
		ToolCall: &ToolCallData{
			ToolCallID: callID,
			ToolName:   toolName,
			State:      StateResult,
			Result:     result,
		},
	})
}

// Done terminates the stream normally.
func (a *Annotator) Done(ctx context.Context) error {
	return a.sink.Emit(ctx, Event{Type: EventDone})
}

// Fail terminates the stream with an error marker.
func (a *Annotator) Fail(ctx context.Context, err error) error {
	return a.sink.Emit(ctx, Event{Type: EventError, Error: err.Error()})
}

// BufferSink collects events in memory. Intended for tests and for replaying
// a turn into a persisted transcript.
type BufferSink struct {
	Events []Event
}

// Emit implements Sink.
func (b *BufferSink) Emit(_ context.Context, ev Event) error {
	b.Events = append(b.Events, ev)
	return nil
}

var _ Sink = (*BufferSink)(nil)
