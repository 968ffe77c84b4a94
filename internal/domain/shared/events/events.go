package events

import "time"

// DomainEvent is a fact produced by a state change, named after what happened.
type DomainEvent interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

// EventRecorder collects events raised during one operation so they can be
// published after the state change is stored. The zero value is ready to use.
type EventRecorder struct {
	pending []DomainEvent
}

func (r *EventRecorder) Record(event DomainEvent) {
	if event == nil {
		return
	}
	r.pending = append(r.pending, event)
}

func (r *EventRecorder) Len() int {
	return len(r.pending)
}

// Drain returns the recorded events in order and empties the recorder.
func (r *EventRecorder) Drain() []DomainEvent {
	out := r.pending
	r.pending = nil
	return out
}
