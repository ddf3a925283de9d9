package reducer

import (
	"math"
	"time"

	"scout/internal/payload"
	"scout/internal/progress"
)

// batchPercentLocked resolves the batch completion percentage: an explicit
// server-reported value wins, otherwise the completed/total ratio over the
// registry.
func (s *Store) batchPercentLocked() int {
	if s.batchPercent != nil {
		return int(math.Round(*s.batchPercent))
	}
	total := len(s.subagentOrder)
	if total == 0 {
		return 0
	}
	completed := 0
	for _, id := range s.subagentOrder {
		if s.subagents[id].IsComplete {
			completed++
		}
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}

// Sources returns the aggregated, URL-deduplicated search results across all
// sub-agent tasks.
func (s *Store) Sources() []payload.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregateSourcesLocked()
}

// aggregateSourcesLocked walks every registry entry, parsing its final output
// and every completed search call's result. The first occurrence of a URL
// wins and insertion order is preserved for stable display.
func (s *Store) aggregateSourcesLocked() []payload.Source {
	if len(s.subagentOrder) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var out []payload.Source
	collect := func(results []payload.Source) {
		for _, source := range results {
			if source.URL == "" {
				continue
			}
			if _, dup := seen[source.URL]; dup {
				continue
			}
			seen[source.URL] = struct{}{}
			out = append(out, source)
		}
	}

	for _, id := range s.subagentOrder {
		task := s.subagents[id]
		if task.FinalOutput != nil {
			collect(s.parser.Parse(task.FinalOutput).Results)
		}
		for _, call := range task.ToolCalls() {
			if call.ToolName != toolNameSearch || call.Status != progress.ToolStatusCompleted {
				continue
			}
			collect(s.parser.Parse(call.Result).Results)
		}
	}
	return out
}

// setSteeringLocked records the transient steering status and schedules its
// expiry. A newer status invalidates any pending clear.
func (s *Store) setSteeringLocked(status SteeringStatus, clearAfter time.Duration) {
	s.steering = status
	s.steeringGen++
	gen := s.steeringGen

	time.AfterFunc(clearAfter, func() {
		s.mu.Lock()
		if s.steeringGen != gen || s.steering != status {
			s.mu.Unlock()
			return
		}
		s.steering = SteeringNone
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.broadcast(snap)
	})
}
