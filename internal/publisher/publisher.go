// Package publisher announces committed pipeline artifacts to downstream consumers.
package publisher

import (
	"context"
	"time"
)

// Event describes a processed artifact that was just committed.
type Event struct {
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	Path        string    `json:"path"`
	Rows        int       `json:"rows"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher delivers events and returns the broker's message ID.
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
	Close() error
}
