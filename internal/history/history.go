// Package history exports pidfile lifecycle events to external systems.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	// EventClaim: a daemon wrote its pid into the pidfile.
	EventClaim EventType = "claim"
	// EventStale: a record naming no live process was found and overwritten.
	EventStale EventType = "stale"
	// EventRename: the pidfile moved to a new path.
	EventRename EventType = "rename"
	// EventRelease: the owner removed its pidfile.
	EventRelease EventType = "release"
	// EventRestore: the owner rewrote a pidfile that had gone missing.
	EventRestore EventType = "restore"
)

// Record is the pidfile state an event refers to.
type Record struct {
	Path     string `json:"path"`
	PrevPath string `json:"prev_path,omitempty"`
	PID      int    `json:"pid"`
	Host     string `json:"host"`
}

// Event represents a lifecycle event to be exported to external systems.
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

// Reader is implemented by sinks that can list what they stored.
type Reader interface {
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)
}
