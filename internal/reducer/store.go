// Package reducer reconciles the unordered, possibly-duplicated progress
// stream pushed by the backend into a consistent snapshot of the running
// conversation turn: the main task's tool-call ledger, the registry of
// spawned sub-agent tasks, batch completion, aggregated sources, and the
// transcript.
package reducer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"scout/internal/logging"
	"scout/internal/payload"
	"scout/internal/progress"
)

// ChatRole represents the speaker role for a transcript message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// Message is a single entry in the conversation transcript. Progress, when
// set, is the finalized snapshot of the task that produced the message.
type Message struct {
	ID        string
	Role      ChatRole
	Content   string
	Progress  *progress.Task
	CreatedAt time.Time
}

// SteeringStatus is the transient outcome of the latest steering request.
type SteeringStatus string

const (
	SteeringNone    SteeringStatus = ""
	SteeringApplied SteeringStatus = "applied"
	SteeringFailed  SteeringStatus = "failed"
)

const (
	steeringAppliedClear = 2 * time.Second
	steeringFailedClear  = 3 * time.Second
)

// Snapshot is an immutable copy of the store state. A held snapshot never
// changes as later events arrive.
type Snapshot struct {
	Messages      []Message
	CurrentTaskID string
	Current       *progress.Task
	SubAgents     []*progress.Task
	BatchPercent  int
	BatchComplete bool
	Sources       []payload.Source
	Steering      SteeringStatus
	SteerMode     bool
	Cancelling    bool
}

// Store owns the reconciler state. Events are applied one at a time; every
// published snapshot is a deep copy, so readers never observe a partially
// applied event.
type Store struct {
	mu     sync.Mutex
	logger logging.Logger
	parser *payload.Cache
	now    func() time.Time

	messages      []Message
	currentTaskID string
	current       *progress.Task

	subagents     map[string]*progress.Task
	subagentOrder []string

	// Task ids whose terminal event has been applied. Never pruned for the
	// life of the store.
	processed map[string]struct{}

	// Explicit server-reported batch percentage. nil means "fall back to the
	// completed/total ratio over the registry".
	batchPercent *float64

	steering      SteeringStatus
	steeringGen   int
	steerMode     bool
	cancelling    bool
	appliedClear  time.Duration
	failedClear   time.Duration
	subscribers   map[chan Snapshot]struct{}
	closed        bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithSourceCacheSize bounds the parsed-payload memo used by source
// aggregation. Non-positive sizes select the default.
func WithSourceCacheSize(size int) Option {
	return func(s *Store) { s.parser = payload.NewCache(size) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSteeringClearDelays overrides how long steering statuses linger.
func WithSteeringClearDelays(applied, failed time.Duration) Option {
	return func(s *Store) {
		s.appliedClear = applied
		s.failedClear = failed
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		logger:       logging.Nop(),
		parser:       payload.NewCache(0),
		now:          time.Now,
		subagents:    make(map[string]*progress.Task),
		processed:    make(map[string]struct{}),
		appliedClear: steeringAppliedClear,
		failedClear:  steeringFailedClear,
		subscribers:  make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// BeginTask records the task id returned by an enqueue request so that
// subsequent stream events can be attributed to the new turn.
func (s *Store) BeginTask(taskID string) {
	s.mu.Lock()
	s.currentTaskID = taskID
	s.cancelling = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

// AppendUserMessage adds the user's prompt to the transcript.
func (s *Store) AppendUserMessage(content string) {
	s.mu.Lock()
	s.messages = append(s.messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: s.now(),
	})
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

// BeginCancel flags that a cancellation request is in flight. The flag clears
// when the terminal event for the turn arrives.
func (s *Store) BeginCancel() {
	s.mu.Lock()
	s.cancelling = true
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

// SetSteerMode toggles steer mode.
func (s *Store) SetSteerMode(enabled bool) {
	s.mu.Lock()
	s.steerMode = enabled
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

// Reset clears all state, reinitialising backing collections.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.currentTaskID = ""
	s.current = nil
	s.subagents = make(map[string]*progress.Task)
	s.subagentOrder = nil
	s.processed = make(map[string]struct{})
	s.batchPercent = nil
	s.steering = SteeringNone
	s.steeringGen++
	s.steerMode = false
	s.cancelling = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers a snapshot channel with the given buffer size. The
// channel receives the fresh snapshot after every applied mutation; slow
// subscribers miss intermediate snapshots rather than blocking the stream.
func (s *Store) Subscribe(buffer int) chan Snapshot {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	s.mu.Lock()
	if s.closed {
		close(ch)
	} else {
		s.subscribers[ch] = struct{}{}
	}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Store) Unsubscribe(ch chan Snapshot) {
	s.mu.Lock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.mu.Unlock()
}

// Close closes every subscriber channel and stops delivery.
func (s *Store) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for ch := range s.subscribers {
			close(ch)
		}
		s.subscribers = make(map[chan Snapshot]struct{})
	}
	s.mu.Unlock()
}

func (s *Store) newMessageID() string {
	return uuid.NewString()
}

func (s *Store) broadcast(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Messages:      make([]Message, len(s.messages)),
		CurrentTaskID: s.currentTaskID,
		Current:       s.current.Clone(),
		SubAgents:     make([]*progress.Task, 0, len(s.subagentOrder)),
		Steering:      s.steering,
		SteerMode:     s.steerMode,
		Cancelling:    s.cancelling,
	}

	for i, msg := range s.messages {
		snap.Messages[i] = msg
		snap.Messages[i].Progress = msg.Progress.Clone()
	}
	for _, id := range s.subagentOrder {
		snap.SubAgents = append(snap.SubAgents, s.subagents[id].Clone())
	}

	snap.BatchPercent = s.batchPercentLocked()
	snap.BatchComplete = len(s.subagentOrder) > 0 && snap.BatchPercent >= 100
	snap.Sources = s.aggregateSourcesLocked()

	return snap
}
