package protocol

import (
	"bytes"
	"encoding/json"
)

// EventType identifies the kind of progress frame pushed by the backend.
type EventType string

const (
	TypeToolActionStarted   EventType = "progress_update_tool_action_started"
	TypeToolActionCompleted EventType = "progress_update_tool_action_completed"
	TypeToolActionFailed    EventType = "progress_update_tool_action_failed"
	TypeCompletionFailed    EventType = "progress_update_completion_failed"
	TypeAgentOutput         EventType = "agent_output"
	TypeRunCancelled        EventType = "run_cancelled"
	TypeRunFailed           EventType = "run_failed"
	TypeRunSteeringApplied  EventType = "run_steering_applied"
	TypeRunSteeringFailed   EventType = "run_steering_failed"
	TypeBatchProgress       EventType = "batch_progress"
	TypeBatchCompleted      EventType = "batch_completed"
)

// Event is one decoded frame from the update stream. The backend delivers
// events at least once and in no guaranteed order, so consumers must treat
// every event as possibly duplicated or stale.
type Event struct {
	TaskID   string          `json:"task_id"`
	Type     EventType       `json:"event_type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
}

// Decode parses a raw frame into an Event.
func Decode(frame []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(frame, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// IsTerminal reports whether the event type finishes its task.
func (t EventType) IsTerminal() bool {
	switch t {
	case TypeAgentOutput, TypeRunCancelled, TypeRunFailed:
		return true
	}
	return false
}

// FunctionRef carries the tool name and raw arguments of a tool call as the
// backend reported them. Arguments may be a JSON string or a JSON object.
type FunctionRef struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ArgumentsText returns the arguments as display text: a JSON string value is
// unquoted, anything else is returned verbatim.
func (f FunctionRef) ArgumentsText() string {
	if len(f.Arguments) == 0 {
		return ""
	}
	if f.Arguments[0] == '"' {
		var s string
		if err := json.Unmarshal(f.Arguments, &s); err == nil {
			return s
		}
	}
	return string(bytes.TrimSpace(f.Arguments))
}

// ToolCallRef identifies a tool call within an event payload.
type ToolCallRef struct {
	ID       string      `json:"id"`
	Function FunctionRef `json:"function"`
}

// ToolCallCompletion is the payload of a tool_action_completed event.
type ToolCallCompletion struct {
	ToolCall   ToolCallRef     `json:"tool_call"`
	OutputData json.RawMessage `json:"output_data,omitempty"`
}

type argsEnvelope struct {
	Args []json.RawMessage `json:"args"`
}

type resultEnvelope struct {
	Result json.RawMessage `json:"result"`
}

// ToolCallStarted extracts the tool call from a started event
// (data.args[0]). ok is false when the payload does not carry one.
func (e Event) ToolCallStarted() (ToolCallRef, bool) {
	return e.toolCallFromArgs()
}

// ToolCallFailed extracts the tool call reference from a failed event, which
// shares the data.args[0] shape with started events.
func (e Event) ToolCallFailed() (ToolCallRef, bool) {
	return e.toolCallFromArgs()
}

func (e Event) toolCallFromArgs() (ToolCallRef, bool) {
	if len(e.Data) == 0 {
		return ToolCallRef{}, false
	}
	var envelope argsEnvelope
	if err := json.Unmarshal(e.Data, &envelope); err != nil || len(envelope.Args) == 0 {
		return ToolCallRef{}, false
	}
	var ref ToolCallRef
	if err := json.Unmarshal(envelope.Args[0], &ref); err != nil || ref.ID == "" {
		return ToolCallRef{}, false
	}
	return ref, true
}

// ToolCallCompleted extracts the completion payload from a completed event
// (data.result). ok is false when the payload does not carry one.
func (e Event) ToolCallCompleted() (ToolCallCompletion, bool) {
	if len(e.Data) == 0 {
		return ToolCallCompletion{}, false
	}
	var envelope resultEnvelope
	if err := json.Unmarshal(e.Data, &envelope); err != nil || len(envelope.Result) == 0 {
		return ToolCallCompletion{}, false
	}
	var completion ToolCallCompletion
	if err := json.Unmarshal(envelope.Result, &completion); err != nil || completion.ToolCall.ID == "" {
		return ToolCallCompletion{}, false
	}
	return completion, true
}

// BatchPercent resolves the percentage of a batch_progress event, preferring
// the top-level progress field over data.progress.
func (e Event) BatchPercent() (float64, bool) {
	if e.Progress != nil {
		return *e.Progress, true
	}
	if len(e.Data) == 0 {
		return 0, false
	}
	var payload struct {
		Progress *float64 `json:"progress"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil || payload.Progress == nil {
		return 0, false
	}
	return *payload.Progress, true
}

// DataValue decodes the event payload into a generic value. Malformed or
// absent payloads yield nil.
func (e Event) DataValue() any {
	if len(e.Data) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(e.Data, &value); err != nil {
		return nil
	}
	return value
}
