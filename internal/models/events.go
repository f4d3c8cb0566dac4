package models

import (
	"time"
)

// EventType identifies a pub/sub event category.
type EventType string

const (
	// EventJobUpdated fires whenever a job's derived status changes.
	EventJobUpdated EventType = "job_updated"
	// EventPromptUpdated fires on every prompt status transition.
	EventPromptUpdated EventType = "prompt_updated"
	// EventQueueState fires on pause/resume/clear.
	EventQueueState EventType = "queue_state"
	// EventConnected greets a new websocket client with the server
	// instance id so clients can detect restarts.
	EventConnected EventType = "connected"
)

// Event is a single pub/sub notification.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
