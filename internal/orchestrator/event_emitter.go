package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// EventEmitter delivers orchestrator events to one consumer, typically the
// CLI's progress printer. A slow consumer loses events rather than stalling
// the loop.
type EventEmitter struct {
	events       chan OrchestratorEvent
	droppedCount atomic.Uint64
	closed       atomic.Bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan OrchestratorEvent, bufferSize),
	}
}

// Emit sends an event, waiting up to 100ms for room before dropping it.
// Emit after Close is a no-op.
func (e *EventEmitter) Emit(event OrchestratorEvent) {
	if e.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[orchestrator] WARNING: Event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan OrchestratorEvent {
	return e.events
}

// Close closes the events channel. It must not race with Emit; the
// orchestrator closes it after its dispatches have drained.
func (e *EventEmitter) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.events)
	}
}
