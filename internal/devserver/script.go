package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// frame builds one wire frame. data must marshal cleanly; the script only
// feeds it literals.
func frame(taskID, eventType string, data any, errMsg string, progress *float64) []byte {
	payload := map[string]any{
		"task_id":    taskID,
		"event_type": eventType,
	}
	if data != nil {
		payload["data"] = data
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if progress != nil {
		payload["progress"] = *progress
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return encoded
}

func startedFrame(taskID, callID, toolName, arguments string) []byte {
	return frame(taskID, "progress_update_tool_action_started", map[string]any{
		"args": []any{map[string]any{
			"id":       callID,
			"function": map[string]any{"name": toolName, "arguments": arguments},
		}},
	}, "", nil)
}

func completedFrame(taskID, callID, toolName string, outputData any) []byte {
	return frame(taskID, "progress_update_tool_action_completed", map[string]any{
		"result": map[string]any{
			"tool_call":   map[string]any{"id": callID, "function": map[string]any{"name": toolName}},
			"output_data": outputData,
		},
	}, "", nil)
}

// replay pushes a scripted research run for one enqueued query: a plan, a
// research fork into three sub-agent searches with batch progress, and the
// final output.
func (s *Server) replay(ctx context.Context, userID, taskID, query string) {
	defer func() {
		s.mu.Lock()
		delete(s.cancels, taskID)
		s.mu.Unlock()
	}()

	pause := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.config.FrameInterval):
			return true
		}
	}
	send := func(payload []byte) bool {
		s.publish(userID, payload)
		return pause()
	}

	planID := uuid.NewString()
	if !send(startedFrame(taskID, planID, "plan", fmt.Sprintf(`{"overview":"Research %q","steps":["fan out searches","synthesize"]}`, query))) {
		return
	}
	if !send(completedFrame(taskID, planID, "plan", "Plan ready")) {
		return
	}

	subIDs := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	researchID := uuid.NewString()
	if !send(startedFrame(taskID, researchID, "research", fmt.Sprintf(`{"queries":["%s"]}`, query))) {
		return
	}
	if !send(completedFrame(taskID, researchID, "research", subIDs)) {
		return
	}

	for index, subID := range subIDs {
		searchID := uuid.NewString()
		if !send(startedFrame(subID, searchID, "search", fmt.Sprintf(`{"query":"%s part %d"}`, query, index+1))) {
			return
		}
		results := []map[string]any{
			{"title": fmt.Sprintf("Result %d for %s", index+1, query), "url": fmt.Sprintf("https://example.com/%s/%d", taskID, index+1)},
			{"title": "Shared background", "url": "https://example.com/shared"},
		}
		if !send(completedFrame(subID, searchID, "search", results)) {
			return
		}
		if !send(frame(subID, "agent_output", map[string]any{
			"findings": []string{fmt.Sprintf("Finding %d about %s", index+1, query)},
		}, "", nil)) {
			return
		}
		percent := float64((index + 1) * 100 / len(subIDs))
		if !send(frame(taskID, "batch_progress", nil, "", &percent)) {
			return
		}
	}

	if !send(frame(taskID, "batch_completed", nil, "", nil)) {
		return
	}

	s.publish(userID, frame(taskID, "agent_output", map[string]any{
		"final_output": fmt.Sprintf("Synthesized findings for %q across %d sub-agents.", query, len(subIDs)),
	}, "", nil))
}
