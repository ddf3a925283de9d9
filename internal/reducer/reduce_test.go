package reducer

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scout/internal/progress"
	"scout/internal/protocol"
)

func startedEvent(taskID, callID, toolName, arguments string) protocol.Event {
	data, _ := json.Marshal(map[string]any{
		"args": []any{map[string]any{
			"id":       callID,
			"function": map[string]any{"name": toolName, "arguments": arguments},
		}},
	})
	return protocol.Event{TaskID: taskID, Type: protocol.TypeToolActionStarted, Data: data}
}

func completedEvent(taskID, callID, toolName string, outputData any) protocol.Event {
	data, _ := json.Marshal(map[string]any{
		"result": map[string]any{
			"tool_call":   map[string]any{"id": callID, "function": map[string]any{"name": toolName}},
			"output_data": outputData,
		},
	})
	return protocol.Event{TaskID: taskID, Type: protocol.TypeToolActionCompleted, Data: data}
}

func failedEvent(taskID, callID, errMsg string) protocol.Event {
	data, _ := json.Marshal(map[string]any{
		"args": []any{map[string]any{"id": callID}},
	})
	return protocol.Event{TaskID: taskID, Type: protocol.TypeToolActionFailed, Data: data, Error: errMsg}
}

func outputEvent(taskID string, value any) protocol.Event {
	data, _ := json.Marshal(value)
	return protocol.Event{TaskID: taskID, Type: protocol.TypeAgentOutput, Data: data}
}

func spawnResearch(t *testing.T, store *Store, taskID string, subIDs []string) {
	t.Helper()
	store.Apply(startedEvent(taskID, "research-1", "research", "{}"))
	store.Apply(completedEvent(taskID, "research-1", "research", subIDs))
	require.Len(t, store.Snapshot().SubAgents, len(subIDs))
}

func TestStartedThenCompletedRecordsResult(t *testing.T) {
	store := NewStore()

	store.Apply(startedEvent("main", "call-1", "search", `{"query":"go"}`))
	store.Apply(startedEvent("main", "call-2", "reflect", ""))
	store.Apply(completedEvent("main", "call-2", "reflect", "thought"))
	store.Apply(completedEvent("main", "call-1", "search", "ten results"))

	snap := store.Snapshot()
	require.NotNil(t, snap.Current)
	call := snap.Current.ToolCall("call-1")
	require.Equal(t, progress.ToolStatusCompleted, call.Status)
	require.JSONEq(t, `"ten results"`, string(call.Result.(json.RawMessage)))
}

func TestCompletionForUnknownCallLeavesTaskUnchanged(t *testing.T) {
	store := NewStore()
	store.Apply(startedEvent("main", "call-1", "search", ""))
	before := store.Snapshot()

	store.Apply(completedEvent("main", "ghost", "search", "output"))
	store.Apply(failedEvent("main", "ghost", "boom"))

	after := store.Snapshot()
	require.Equal(t, before.Current.ToolCallCount(), after.Current.ToolCallCount())
	require.Equal(t, progress.ToolStatusStarted, after.Current.ToolCall("call-1").Status)
}

func TestDuplicateAgentOutputAppendsOneMessage(t *testing.T) {
	store := NewStore()
	store.Apply(startedEvent("main", "call-1", "search", ""))

	store.Apply(outputEvent("main", map[string]any{"final_output": "the answer"}))
	store.Apply(outputEvent("main", map[string]any{"final_output": "the answer"}))

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, RoleAssistant, snap.Messages[0].Role)
	require.Equal(t, "the answer", snap.Messages[0].Content)
	require.NotNil(t, snap.Messages[0].Progress)
}

func TestResearchSpawnAndBatchPercent(t *testing.T) {
	store := NewStore()
	spawnResearch(t, store, "main", []string{"a", "b", "c"})

	snap := store.Snapshot()
	require.Len(t, snap.SubAgents, 3)
	for _, sub := range snap.SubAgents {
		require.False(t, sub.IsComplete)
		require.Zero(t, sub.ToolCallCount())
	}
	require.Zero(t, snap.BatchPercent)

	store.Apply(outputEvent("a", map[string]any{"findings": []string{"fa"}}))
	store.Apply(outputEvent("b", map[string]any{"findings": []string{"fb"}}))
	require.Equal(t, 67, store.Snapshot().BatchPercent)

	forty := 40.0
	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeBatchProgress, Progress: &forty})
	require.Equal(t, 40, store.Snapshot().BatchPercent)

	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeBatchCompleted})
	snap = store.Snapshot()
	require.Equal(t, 100, snap.BatchPercent)
	require.True(t, snap.BatchComplete)
}

func TestResearchSpawnResetsExplicitBatchPercent(t *testing.T) {
	store := NewStore()
	ninety := 90.0
	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeBatchProgress, Progress: &ninety})
	require.Equal(t, 90, store.Snapshot().BatchPercent)

	spawnResearch(t, store, "main", []string{"a", "b", "c"})
	require.Zero(t, store.Snapshot().BatchPercent)
}

func TestRegisteredSubAgentEventsNeverTouchMainTask(t *testing.T) {
	store := NewStore()
	spawnResearch(t, store, "main", []string{"sub-1"})

	store.Apply(startedEvent("sub-1", "call-9", "search", `{"query":"deep"}`))
	store.Apply(completedEvent("sub-1", "call-9", "search", []map[string]any{{"title": "t", "url": "https://t"}}))
	store.Apply(outputEvent("sub-1", map[string]any{"findings": []string{"found"}}))

	snap := store.Snapshot()
	// Main ledger still only holds the research call.
	require.Equal(t, 1, snap.Current.ToolCallCount())
	require.Nil(t, snap.Current.ToolCall("call-9"))

	sub := snap.SubAgents[0]
	require.True(t, sub.IsComplete)
	require.Equal(t, progress.ToolStatusCompleted, sub.ToolCall("call-9").Status)
	// No transcript message for a sub-agent terminal event.
	require.Empty(t, snap.Messages)
}

func TestSubAgentScopedBatchEventsAreIgnored(t *testing.T) {
	store := NewStore()
	spawnResearch(t, store, "main", []string{"sub-1", "sub-2"})

	fifty := 50.0
	store.Apply(protocol.Event{TaskID: "sub-1", Type: protocol.TypeBatchProgress, Progress: &fifty})
	store.Apply(protocol.Event{TaskID: "sub-2", Type: protocol.TypeBatchCompleted})

	require.Zero(t, store.Snapshot().BatchPercent)
}

func TestMalformedArgumentsDoNotPanic(t *testing.T) {
	store := NewStore()

	store.Apply(startedEvent("main", "call-1", "search", `{not json`))
	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeToolActionStarted, Data: json.RawMessage(`{broken`)})
	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeToolActionCompleted, Data: json.RawMessage(`[]`)})

	snap := store.Snapshot()
	require.Equal(t, 1, snap.Current.ToolCallCount())
	require.Equal(t, `{not json`, snap.Current.ToolCall("call-1").Arguments)
}

func TestCancelledTurnWithoutToolCallsGetsBareMessage(t *testing.T) {
	store := NewStore()
	store.BeginTask("main")

	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeRunCancelled})

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "Task cancelled by user", snap.Messages[0].Content)
	require.Nil(t, snap.Messages[0].Progress)
	require.Empty(t, snap.CurrentTaskID)
	require.False(t, snap.Cancelling)
}

func TestCancelledTurnWithToolCallsAttachesSnapshot(t *testing.T) {
	store := NewStore()
	store.BeginTask("main")
	store.BeginCancel()
	store.Apply(startedEvent("main", "call-1", "search", ""))

	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeRunCancelled})

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.NotNil(t, snap.Messages[0].Progress)
	require.True(t, snap.Messages[0].Progress.IsComplete)
	require.Equal(t, "Task cancelled by user", snap.Messages[0].Progress.Error)
	require.False(t, snap.Cancelling)
}

func TestRunFailedUsesErrorOrFallback(t *testing.T) {
	store := NewStore()
	store.Apply(startedEvent("main", "call-1", "search", ""))
	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeRunFailed, Error: "rate limited"})

	snap := store.Snapshot()
	require.Equal(t, "rate limited", snap.Messages[0].Content)

	store2 := NewStore()
	store2.Apply(protocol.Event{TaskID: "other", Type: protocol.TypeRunFailed})
	require.Equal(t, "Agent failed to complete the task", store2.Snapshot().Messages[0].Content)
}

func TestCompletionFailedIsNotTerminal(t *testing.T) {
	store := NewStore()
	store.Apply(startedEvent("main", "call-1", "search", ""))
	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeCompletionFailed, Error: "llm hiccup"})

	snap := store.Snapshot()
	require.False(t, snap.Current.IsComplete)
	require.Equal(t, "llm hiccup", snap.Current.Error)
	require.Empty(t, snap.Messages)
}

func TestSteeringStatusAutoClears(t *testing.T) {
	store := NewStore(WithSteeringClearDelays(20*time.Millisecond, 20*time.Millisecond))
	store.SetSteerMode(true)

	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeRunSteeringApplied})
	require.Equal(t, SteeringApplied, store.Snapshot().Steering)
	require.True(t, store.Snapshot().SteerMode)

	require.Eventually(t, func() bool {
		return store.Snapshot().Steering == SteeringNone
	}, time.Second, 5*time.Millisecond)

	store.Apply(protocol.Event{TaskID: "main", Type: protocol.TypeRunSteeringFailed})
	snap := store.Snapshot()
	require.Equal(t, SteeringFailed, snap.Steering)
	require.False(t, snap.SteerMode)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	store := NewStore()
	store.Apply(startedEvent("main", "call-1", "search", ""))
	before := store.Snapshot()

	store.Apply(protocol.Event{TaskID: "main", Type: "telemetry_heartbeat", Data: json.RawMessage(`{"x":1}`)})

	after := store.Snapshot()
	require.Equal(t, before.Current.ToolCallCount(), after.Current.ToolCallCount())
	require.Equal(t, len(before.Messages), len(after.Messages))
}

func TestSnapshotIsImmutableUnderLaterEvents(t *testing.T) {
	store := NewStore()
	store.Apply(startedEvent("main", "call-1", "search", ""))
	held := store.Snapshot()

	store.Apply(completedEvent("main", "call-1", "search", "done"))
	store.Apply(outputEvent("main", "final"))

	require.Equal(t, progress.ToolStatusStarted, held.Current.ToolCall("call-1").Status)
	require.Empty(t, held.Messages)
}

func TestSubscribersReceiveSnapshots(t *testing.T) {
	store := NewStore()
	ch := store.Subscribe(8)
	defer store.Unsubscribe(ch)

	store.Apply(startedEvent("main", "call-1", "search", ""))

	snap := <-ch
	require.NotNil(t, snap.Current)
	require.Equal(t, 1, snap.Current.ToolCallCount())
}

func TestCloseStopsDelivery(t *testing.T) {
	store := NewStore()
	ch := store.Subscribe(1)
	store.Close()

	_, ok := <-ch
	require.False(t, ok)
}

func TestResetClearsEverything(t *testing.T) {
	store := NewStore()
	store.AppendUserMessage("hello")
	spawnResearch(t, store, "main", []string{"a"})
	store.Apply(outputEvent("main", "answer"))

	store.Reset()

	snap := store.Snapshot()
	require.Empty(t, snap.Messages)
	require.Nil(t, snap.Current)
	require.Empty(t, snap.SubAgents)
	require.Zero(t, snap.BatchPercent)

	// The guard was reset too: the same terminal id applies again.
	store.Apply(outputEvent("main", "answer"))
	require.Len(t, store.Snapshot().Messages, 1)
}

func TestTurnFinishClearsBatchAndRegistryStays(t *testing.T) {
	store := NewStore()
	spawnResearch(t, store, "main", []string{"a", "b"})
	store.Apply(outputEvent("a", "fa"))

	store.Apply(outputEvent("main", map[string]any{"final_output": "done"}))

	snap := store.Snapshot()
	// Registry entries survive the turn (no pruning), but the explicit batch
	// slot is cleared so the ratio fallback applies.
	require.Len(t, snap.SubAgents, 2)
	require.Equal(t, 50, snap.BatchPercent)
	require.Empty(t, snap.CurrentTaskID)
	require.Nil(t, snap.Current)
}

func TestRouteIsExplicit(t *testing.T) {
	store := NewStore()
	spawnResearch(t, store, "main", []string{"sub-1"})

	scope := store.Route(protocol.Event{TaskID: "sub-1", Type: protocol.TypeAgentOutput})
	require.Equal(t, ScopeSubAgent, scope.Kind)
	require.Equal(t, "sub-1", scope.TaskID)

	scope = store.Route(protocol.Event{TaskID: "unknown", Type: protocol.TypeAgentOutput})
	require.Equal(t, ScopeMainOrBatch, scope.Kind)
}

func TestRenderFinalOutputShapes(t *testing.T) {
	cases := []struct {
		value any
		want  string
	}{
		{"plain", "plain"},
		{map[string]any{"final_output": "inner"}, "inner"},
		{map[string]any{"final_output": map[string]any{"k": "v"}}, `{"k":"v"}`},
		{[]any{"a"}, `["a"]`},
		{nil, ""},
	}
	for i, tc := range cases {
		require.Equal(t, tc.want, renderFinalOutput(tc.value, nil), fmt.Sprintf("case %d", i))
	}
}
