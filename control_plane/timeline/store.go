// Package timeline keeps a bounded in-memory ring of recent scheduler events
// for the ops surface. It is diagnostic state, not durable history; the store
// is the record of truth.
package timeline

import (
	"sync"
	"time"
)

// Stage names the lifecycle points recorded on the timeline.
const (
	StageEnqueued     = "ENQUEUED"
	StageDispatched   = "DISPATCHED"
	StageCompleted    = "COMPLETED"
	StageFailed       = "FAILED"
	StageDeadLettered = "DEAD_LETTERED"
	StageActivated    = "ACTIVATED"
)

// Event is one scheduler lifecycle transition.
type Event struct {
	Stage      string            `json:"stage"`
	Timestamp  time.Time         `json:"timestamp"`
	Workflow   string            `json:"workflow"`
	ExternalID string            `json:"externalId,omitempty"`
	MetadataID int64             `json:"metadataId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

const defaultCapacity = 1024

// Store is a fixed-capacity ring of events. Once full, the oldest event is
// overwritten.
type Store struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewStore returns a ring holding the most recent defaultCapacity events.
func NewStore() *Store {
	return &Store{events: make([]Event, defaultCapacity)}
}

// Record appends an event, stamping it when the caller did not.
func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events[s.next] = e
	s.next++
	if s.next == len(s.events) {
		s.next = 0
		s.full = true
	}
}

// Recent returns up to n events, newest first.
func (s *Store) Recent(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.events)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.events)) % len(s.events)
		out = append(out, s.events[idx])
	}
	return out
}

// ByWorkflow returns up to n events for one workflow, newest first.
func (s *Store) ByWorkflow(workflow string, n int) []Event {
	all := s.Recent(0)
	var out []Event
	for _, e := range all {
		if e.Workflow == workflow {
			out = append(out, e)
			if n > 0 && len(out) == n {
				break
			}
		}
	}
	return out
}
