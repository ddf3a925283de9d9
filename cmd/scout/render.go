package main

import (
	"fmt"
	"strings"

	"scout/internal/progress"
	"scout/internal/reducer"
)

// display turns a stream of snapshots into incremental terminal lines. It is
// purely a function of snapshot state plus what has already been printed;
// all reconciliation lives in the reducer.
type display struct {
	printedMessages int
	printedCalls    map[string]progress.ToolStatus
	subHeaderShown  bool
	subDone         map[string]bool
	lastBatch       int
	sourcesShown    bool
	lastSteering    reducer.SteeringStatus
}

func newDisplay() *display {
	return &display{
		printedCalls: make(map[string]progress.ToolStatus),
		subDone:      make(map[string]bool),
		lastBatch:    -1,
	}
}

// handle returns the lines to print for the transition to snap. The caller
// writes them to stdout in order.
func (d *display) handle(snap reducer.Snapshot) []string {
	var lines []string

	lines = append(lines, d.toolLines(snap.Current)...)
	lines = append(lines, d.subagentLines(snap)...)
	lines = append(lines, d.steeringLines(snap)...)
	lines = append(lines, d.messageLines(snap)...)

	return lines
}

func (d *display) toolLines(task *progress.Task) []string {
	if task == nil {
		return nil
	}
	var lines []string
	for _, call := range task.ToolCalls() {
		previous, seen := d.printedCalls[call.ID]
		if !seen {
			lines = append(lines, fmt.Sprintf("%s %s", green("→"), describeCall(call)))
		}
		if call.Status != progress.ToolStatusStarted && (!seen || previous == progress.ToolStatusStarted) {
			switch call.Status {
			case progress.ToolStatusCompleted:
				lines = append(lines, fmt.Sprintf("%s %s", green("✓"), gray(call.ToolName+" finished")))
			case progress.ToolStatusFailed:
				lines = append(lines, fmt.Sprintf("%s %s", red("✗"), red(call.ToolName+" failed: "+call.Error)))
			}
		}
		d.printedCalls[call.ID] = call.Status
	}
	return lines
}

func (d *display) subagentLines(snap reducer.Snapshot) []string {
	if len(snap.SubAgents) == 0 {
		return nil
	}
	var lines []string

	if !d.subHeaderShown {
		d.subHeaderShown = true
		label := "tasks"
		if len(snap.SubAgents) == 1 {
			label = "task"
		}
		lines = append(lines, fmt.Sprintf("%s Research: running %d sub-agent %s", gray("🤖"), len(snap.SubAgents), label))
	}

	concluded := 0
	for _, sub := range snap.SubAgents {
		if sub.IsComplete {
			concluded++
		}
	}
	for index, sub := range snap.SubAgents {
		if !sub.IsComplete || d.subDone[sub.TaskID] {
			continue
		}
		d.subDone[sub.TaskID] = true
		if sub.Error != "" {
			lines = append(lines, fmt.Sprintf("   %s [%d/%d] sub-agent %d: %s", red("✗"), concluded, len(snap.SubAgents), index+1, red(sub.Error)))
		} else {
			lines = append(lines, fmt.Sprintf("   %s [%d/%d] sub-agent %d | %d tool calls", green("✓"), concluded, len(snap.SubAgents), index+1, sub.ToolCallCount()))
		}
	}

	if snap.BatchPercent != d.lastBatch {
		d.lastBatch = snap.BatchPercent
		lines = append(lines, gray(fmt.Sprintf("   batch %d%%", snap.BatchPercent)))
	}

	if snap.BatchComplete && !d.sourcesShown && len(snap.Sources) > 0 {
		d.sourcesShown = true
		lines = append(lines, bold("Sources"))
		for _, source := range snap.Sources {
			title := source.Title
			if title == "" {
				title = source.URL
			}
			lines = append(lines, fmt.Sprintf("   %s %s", cyan(title), gray(source.URL)))
		}
	}
	return lines
}

func (d *display) steeringLines(snap reducer.Snapshot) []string {
	if snap.Steering == d.lastSteering {
		return nil
	}
	d.lastSteering = snap.Steering
	switch snap.Steering {
	case reducer.SteeringApplied:
		return []string{yellow("steering applied")}
	case reducer.SteeringFailed:
		return []string{red("steering failed")}
	default:
		return nil
	}
}

func (d *display) messageLines(snap reducer.Snapshot) []string {
	var lines []string
	for ; d.printedMessages < len(snap.Messages); d.printedMessages++ {
		message := snap.Messages[d.printedMessages]
		switch message.Role {
		case reducer.RoleUser:
			lines = append(lines, fmt.Sprintf("%s %s", blue("you:"), message.Content))
		case reducer.RoleAssistant:
			lines = append(lines, fmt.Sprintf("%s %s", green("agent:"), message.Content))
			if message.Progress != nil {
				lines = append(lines, progressPanel(message.Progress)...)
			}
		default:
			lines = append(lines, gray(message.Content))
		}
	}
	return lines
}

// progressPanel summarizes a finalized task snapshot under its transcript
// message.
func progressPanel(task *progress.Task) []string {
	var lines []string
	for _, call := range task.ToolCalls() {
		marker := gray("·")
		switch call.Status {
		case progress.ToolStatusCompleted:
			marker = green("✓")
		case progress.ToolStatusFailed:
			marker = red("✗")
		}
		lines = append(lines, fmt.Sprintf("   %s %s", marker, gray(describeCall(call))))
	}
	if task.Error != "" {
		lines = append(lines, fmt.Sprintf("   %s", red(task.Error)))
	}
	return lines
}

// describeCall renders a tool call with a preview of its arguments. The
// arguments may be arbitrary non-JSON text; they are shown as-is, truncated.
func describeCall(call *progress.ToolCall) string {
	preview := sanitizePreview(call.Arguments)
	if preview == "" {
		return call.ToolName
	}
	return fmt.Sprintf("%s(%s)", call.ToolName, truncatePreview(preview))
}

func sanitizePreview(preview string) string {
	preview = strings.TrimSpace(preview)
	if preview == "" {
		return ""
	}
	preview = strings.ReplaceAll(preview, "\n", " ")
	return strings.Join(strings.Fields(preview), " ")
}

func truncatePreview(preview string) string {
	const maxRunes = 60
	runes := []rune(preview)
	if len(runes) <= maxRunes {
		return preview
	}
	return string(runes[:maxRunes-3]) + "..."
}
