package work

import "time"

// EventType identifies a lifecycle event emitted for a run.
type EventType string

const (
	EventCreated        EventType = "CREATED"
	EventStarted        EventType = "STARTED"
	EventCompleted      EventType = "COMPLETED"
	EventFailed         EventType = "FAILED"
	EventCancelled      EventType = "CANCELLED"
	EventRetryScheduled EventType = "RETRY_SCHEDULED"
	EventStepStarted    EventType = "STEP_STARTED"
	EventStepCompleted  EventType = "STEP_COMPLETED"
	EventStepFailed     EventType = "STEP_FAILED"
)

// Event is a recorded lifecycle transition for a run.
type Event struct {
	EventID     string         `json:"event_id"`
	ExecutionID string         `json:"execution_id"`
	Type        EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Topic returns the pub/sub topic for the event, e.g. "run.COMPLETED".
// Subscribers match topics with "*" and "run.*" style patterns.
func (e Event) Topic() string {
	return "run." + string(e.Type)
}
