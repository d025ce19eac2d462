// Package notify publishes scan lifecycle events to whoever forwards them to
// users (the gateway's SSE stream, other services). Publishing is always
// best effort: callers log a failed publish and carry on.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventJobsDiscovered   = "EVENT_JOBS_DISCOVERED"
	EventScanTaskFinished = "EVENT_SCAN_TASK_FINISHED"
)

// Event is the JSON payload sent on every channel.
type Event struct {
	Type       string    `json:"type"`
	ScanTaskID string    `json:"scanTaskId"`
	UserID     string    `json:"userId"`
	Source     string    `json:"source,omitempty"`
	Status     string    `json:"status,omitempty"`
	JobsFound  int       `json:"jobsFound"`
	JobsSaved  int       `json:"jobsSaved"`
	Created    int       `json:"created,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func (e Event) encode() ([]byte, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return json.Marshal(e)
}

// Notifier publishes events.
type Notifier interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
