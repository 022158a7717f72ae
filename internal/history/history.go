package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventInstall EventType = "install"
)

// Record captures the worker state at the time of the event.
type Record struct {
	State   string `json:"state"`
	PID     int    `json:"pid"`
	Version string `json:"version"`
	Detail  string `json:"detail,omitempty"`
}

// Event represents a lifecycle or install event to be exported to external
// systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
