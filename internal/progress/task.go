// Package progress holds the per-task aggregate the reconciler maintains: a
// tool-call ledger in arrival order plus the task's terminal state.
package progress

// ToolStatus captures the lifecycle state of a single tool call. The status
// is monotonic: started may advance to completed or failed, and neither
// terminal status is ever left.
type ToolStatus string

const (
	ToolStatusStarted   ToolStatus = "started"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
)

// ToolCall tracks one invocation of a named capability within a task.
type ToolCall struct {
	ID        string
	ToolName  string
	Arguments string
	Status    ToolStatus
	Result    any
	Error     string
}

// Task aggregates everything known about one unit of agent execution, either
// the main conversation turn or a spawned sub-agent. Once IsComplete is set
// the task is frozen; every mutator becomes a no-op.
type Task struct {
	TaskID      string
	IsComplete  bool
	FinalOutput any
	Error       string

	toolCalls map[string]*ToolCall
	order     []string
}

// NewTask returns an empty, incomplete task aggregate.
func NewTask(taskID string) *Task {
	return &Task{
		TaskID:    taskID,
		toolCalls: make(map[string]*ToolCall),
	}
}

// ToolCall returns the tracked call for id, or nil.
func (t *Task) ToolCall(id string) *ToolCall {
	if t == nil {
		return nil
	}
	return t.toolCalls[id]
}

// ToolCalls returns the tracked calls in arrival order. The returned slice is
// owned by the caller; the pointed-to calls are live state.
func (t *Task) ToolCalls() []*ToolCall {
	if t == nil {
		return nil
	}
	calls := make([]*ToolCall, 0, len(t.order))
	for _, id := range t.order {
		calls = append(calls, t.toolCalls[id])
	}
	return calls
}

// ToolCallCount reports how many calls have been recorded.
func (t *Task) ToolCallCount() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// RecordStart inserts the tool call or refreshes its name and arguments.
// Calls already in a terminal status keep it; duplicated start events must
// not resurrect a finished call.
func (t *Task) RecordStart(id, toolName, arguments string) {
	if t.IsComplete || id == "" {
		return
	}
	call, exists := t.toolCalls[id]
	if !exists {
		call = &ToolCall{ID: id, Status: ToolStatusStarted}
		t.toolCalls[id] = call
		t.order = append(t.order, id)
	}
	if call.Status == ToolStatusCompleted || call.Status == ToolStatusFailed {
		return
	}
	call.Status = ToolStatusStarted
	call.ToolName = toolName
	call.Arguments = arguments
}

// RecordCompletion marks a known, still-running call completed and stores its
// result. Unknown ids and calls already in a terminal status are left alone.
func (t *Task) RecordCompletion(id string, result any) bool {
	if t.IsComplete {
		return false
	}
	call, exists := t.toolCalls[id]
	if !exists || call.Status != ToolStatusStarted {
		return false
	}
	call.Status = ToolStatusCompleted
	call.Result = result
	return true
}

// RecordFailure marks a known, still-running call failed. Unknown ids and
// calls already in a terminal status are left alone.
func (t *Task) RecordFailure(id, errMsg string) bool {
	if t.IsComplete {
		return false
	}
	call, exists := t.toolCalls[id]
	if !exists || call.Status != ToolStatusStarted {
		return false
	}
	call.Status = ToolStatusFailed
	call.Error = errMsg
	return true
}

// SetError records a non-terminal task error, e.g. a failed completion
// attempt the backend will retry.
func (t *Task) SetError(errMsg string) {
	if t.IsComplete {
		return
	}
	t.Error = errMsg
}

// Complete finishes the task successfully. The transition happens at most
// once; later calls are no-ops.
func (t *Task) Complete(finalOutput any) {
	if t.IsComplete {
		return
	}
	t.IsComplete = true
	t.FinalOutput = finalOutput
}

// CompleteWithError finishes the task with a terminal error (cancellation or
// backend failure).
func (t *Task) CompleteWithError(errMsg string) {
	if t.IsComplete {
		return
	}
	t.IsComplete = true
	t.Error = errMsg
}

// Clone returns a deep copy safe to publish in a snapshot. Result values and
// final outputs are decoded JSON treated as read-only and are shared.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := &Task{
		TaskID:      t.TaskID,
		IsComplete:  t.IsComplete,
		FinalOutput: t.FinalOutput,
		Error:       t.Error,
		toolCalls:   make(map[string]*ToolCall, len(t.toolCalls)),
		order:       append([]string(nil), t.order...),
	}
	for id, call := range t.toolCalls {
		copied := *call
		clone.toolCalls[id] = &copied
	}
	return clone
}
