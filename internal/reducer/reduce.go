package reducer

import (
	"encoding/json"

	"scout/internal/progress"
	"scout/internal/protocol"
)

// Tool names the reducer gives special treatment to.
const (
	toolNameResearch = "research"
	toolNameSearch   = "search"
)

const (
	cancelledMessage  = "Task cancelled by user"
	failedFallbackMsg = "Agent failed to complete the task"
)

// ScopeKind distinguishes the two routing targets of an event.
type ScopeKind int

const (
	// ScopeMainOrBatch targets the main task or the batch tracker.
	ScopeMainOrBatch ScopeKind = iota
	// ScopeSubAgent targets a registered sub-agent task.
	ScopeSubAgent
)

// Scope is the routing decision for one event. Sub-agent and main events
// share the same event-type vocabulary; registry membership of the task id,
// not the type, is the discriminator.
type Scope struct {
	Kind   ScopeKind
	TaskID string
}

// Route classifies the event. It is resolved exactly once per event, before
// any mutation, so an event is never partially applied to both scopes.
func (s *Store) Route(ev protocol.Event) Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routeLocked(ev)
}

func (s *Store) routeLocked(ev protocol.Event) Scope {
	if _, registered := s.subagents[ev.TaskID]; registered {
		return Scope{Kind: ScopeSubAgent, TaskID: ev.TaskID}
	}
	return Scope{Kind: ScopeMainOrBatch}
}

// Apply reconciles one event into the store and publishes the resulting
// snapshot. Malformed payloads degrade to no-ops; Apply never fails.
func (s *Store) Apply(ev protocol.Event) {
	s.mu.Lock()
	scope := s.routeLocked(ev)
	switch scope.Kind {
	case ScopeSubAgent:
		s.applySubAgentLocked(s.subagents[scope.TaskID], ev)
	default:
		s.applyMainLocked(ev)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

func (s *Store) applyMainLocked(ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeToolActionStarted:
		ref, ok := ev.ToolCallStarted()
		if !ok {
			return
		}
		if s.current == nil {
			s.current = progress.NewTask(ev.TaskID)
		}
		s.current.RecordStart(ref.ID, ref.Function.Name, ref.Function.ArgumentsText())

	case protocol.TypeToolActionCompleted:
		completion, ok := ev.ToolCallCompleted()
		if !ok {
			return
		}
		if s.current != nil {
			s.current.RecordCompletion(completion.ToolCall.ID, completion.OutputData)
		}
		// A finished research call is the sole entry point that grows the
		// sub-agent registry, whether or not the start event was observed.
		if completion.ToolCall.Function.Name == toolNameResearch {
			s.registerSubAgentsLocked(completion.OutputData)
		}

	case protocol.TypeToolActionFailed:
		ref, ok := ev.ToolCallFailed()
		if !ok {
			return
		}
		if s.current != nil {
			s.current.RecordFailure(ref.ID, ev.Error)
		}

	case protocol.TypeCompletionFailed:
		if s.current != nil {
			s.current.SetError(ev.Error)
		}

	case protocol.TypeAgentOutput:
		if s.markProcessedLocked(ev.TaskID) {
			s.finishTurnLocked(ev, "")
		}

	case protocol.TypeRunCancelled:
		if s.markProcessedLocked(ev.TaskID) {
			s.finishTurnLocked(ev, cancelledMessage)
		}

	case protocol.TypeRunFailed:
		if s.markProcessedLocked(ev.TaskID) {
			errMsg := ev.Error
			if errMsg == "" {
				errMsg = failedFallbackMsg
			}
			s.finishTurnLocked(ev, errMsg)
		}

	case protocol.TypeRunSteeringApplied:
		s.setSteeringLocked(SteeringApplied, s.appliedClear)

	case protocol.TypeRunSteeringFailed:
		s.setSteeringLocked(SteeringFailed, s.failedClear)
		s.steerMode = false

	case protocol.TypeBatchProgress:
		if percent, ok := ev.BatchPercent(); ok {
			s.batchPercent = &percent
		}

	case protocol.TypeBatchCompleted:
		full := 100.0
		s.batchPercent = &full

	default:
		s.logger.Debug("ignoring unknown event type %q for task %s", ev.Type, ev.TaskID)
	}
}

func (s *Store) applySubAgentLocked(task *progress.Task, ev protocol.Event) {
	switch ev.Type {
	case protocol.TypeToolActionStarted:
		ref, ok := ev.ToolCallStarted()
		if !ok {
			return
		}
		task.RecordStart(ref.ID, ref.Function.Name, ref.Function.ArgumentsText())

	case protocol.TypeToolActionCompleted:
		completion, ok := ev.ToolCallCompleted()
		if !ok {
			return
		}
		task.RecordCompletion(completion.ToolCall.ID, completion.OutputData)

	case protocol.TypeToolActionFailed:
		ref, ok := ev.ToolCallFailed()
		if !ok {
			return
		}
		task.RecordFailure(ref.ID, ev.Error)

	case protocol.TypeCompletionFailed:
		task.SetError(ev.Error)

	case protocol.TypeAgentOutput:
		if s.markProcessedLocked(ev.TaskID) {
			task.Complete(finalOutputValue(ev))
		}

	case protocol.TypeRunCancelled:
		if s.markProcessedLocked(ev.TaskID) {
			task.CompleteWithError(cancelledMessage)
		}

	case protocol.TypeRunFailed:
		if s.markProcessedLocked(ev.TaskID) {
			errMsg := ev.Error
			if errMsg == "" {
				errMsg = failedFallbackMsg
			}
			task.CompleteWithError(errMsg)
		}

	case protocol.TypeBatchProgress, protocol.TypeBatchCompleted:
		// Batch events only make sense on the main channel; a sub-agent
		// scoped one carries no defined meaning and is dropped.
		s.logger.Debug("ignoring sub-agent scoped %s for task %s", ev.Type, ev.TaskID)

	default:
		s.logger.Debug("ignoring unknown sub-agent event type %q for task %s", ev.Type, ev.TaskID)
	}
}

// markProcessedLocked records the terminal event for taskID, reporting false
// when it was already applied. Duplicate and out-of-order terminal delivery
// is absorbed here.
func (s *Store) markProcessedLocked(taskID string) bool {
	if _, done := s.processed[taskID]; done {
		s.logger.Debug("suppressing duplicate terminal event for task %s", taskID)
		return false
	}
	s.processed[taskID] = struct{}{}
	return true
}

// registerSubAgentsLocked pre-registers empty task aggregates for every task
// id spawned by a research call and resets the batch tracker.
func (s *Store) registerSubAgentsLocked(outputData json.RawMessage) {
	var taskIDs []string
	if err := json.Unmarshal(outputData, &taskIDs); err != nil || len(taskIDs) == 0 {
		return
	}
	for _, id := range taskIDs {
		if id == "" {
			continue
		}
		if _, exists := s.subagents[id]; exists {
			continue
		}
		s.subagents[id] = progress.NewTask(id)
		s.subagentOrder = append(s.subagentOrder, id)
	}
	s.batchPercent = nil
}

// finishTurnLocked applies a main-task terminal event: it finalizes the
// current task aggregate, appends the assistant transcript message, and
// clears the per-turn flags. errMsg is empty for successful output.
func (s *Store) finishTurnLocked(ev protocol.Event, errMsg string) {
	task := s.current
	if task == nil {
		task = progress.NewTask(ev.TaskID)
	}

	var content string
	if errMsg == "" {
		value := finalOutputValue(ev)
		task.Complete(value)
		content = renderFinalOutput(value, ev.Data)
	} else {
		task.CompleteWithError(errMsg)
		content = errMsg
	}

	message := Message{
		ID:        s.newMessageID(),
		Role:      RoleAssistant,
		Content:   content,
		CreatedAt: s.now(),
	}
	// A cancelled or failed turn only gets a progress panel when there is
	// something to show; successful output always carries its snapshot.
	if errMsg == "" || task.ToolCallCount() > 0 {
		message.Progress = task.Clone()
	}
	s.messages = append(s.messages, message)

	s.current = nil
	s.currentTaskID = ""
	s.cancelling = false
	s.steerMode = false
	s.steering = SteeringNone
	s.steeringGen++
	s.batchPercent = nil
}

// finalOutputValue decodes the terminal payload, falling back to the raw
// frame text when it is not valid JSON.
func finalOutputValue(ev protocol.Event) any {
	if value := ev.DataValue(); value != nil {
		return value
	}
	if len(ev.Data) > 0 {
		return string(ev.Data)
	}
	return nil
}

// renderFinalOutput produces the transcript text for a successful turn:
// the value itself when it is a string, its final_output field when present,
// otherwise a compact JSON rendering.
func renderFinalOutput(value any, raw json.RawMessage) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if final, ok := v["final_output"]; ok {
			if text, ok := final.(string); ok {
				return text
			}
			if encoded, err := json.Marshal(final); err == nil {
				return string(encoded)
			}
		}
	}
	if encoded, err := json.Marshal(value); err == nil {
		return string(encoded)
	}
	return string(raw)
}
