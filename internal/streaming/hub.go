package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a run is in progress.
type StreamEvent struct {
	RunID         string    `json:"run_id"`
	Stage         string    `json:"stage,omitempty"`
	CorrelationID string    `json:"line_id,omitempty"`
	EventType     string    `json:"event_type"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	Stage      string   `json:"stage,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
