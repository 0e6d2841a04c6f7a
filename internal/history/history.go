package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart            EventType = "start"
	EventStop             EventType = "stop"
	EventRestart          EventType = "restart"
	EventRestartDenied    EventType = "restart_denied"
	EventMaintenanceEnter EventType = "maintenance_enter"
	EventMaintenanceExit  EventType = "maintenance_exit"
)

// Record describes the worker at the time of an event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	RunID    string `json:"run_id"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
	Reason   string `json:"reason,omitempty"`
}

// Event is a supervision event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends each event to every sink and joins the failures.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that has a Close method.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Table is the relational table the SQL sinks append to.
const Table = "worker_history"
