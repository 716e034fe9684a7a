package session

import (
	"compress-img-go/internal/compressor"
	"compress-img-go/internal/progress"
)

// EventType names a session event.
type EventType string

const (
	EventSelected  EventType = "selected"
	EventProgress  EventType = "progress"
	EventAttempt   EventType = "attempt"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is delivered to the session listener. Only the field matching Type is set.
type Event struct {
	Type     EventType           `json:"type"`
	RunID    string              `json:"run_id"`
	Asset    *AssetInfo          `json:"asset,omitempty"`
	Progress *progress.Progress  `json:"progress,omitempty"`
	Attempt  *compressor.Attempt `json:"attempt,omitempty"`
	Result   *compressor.Result  `json:"result,omitempty"`
	Failure  *Failure            `json:"failure,omitempty"`
}
