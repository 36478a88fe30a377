package entity

import (
	"time"

	"github.com/joseph-ayodele/image-batch/constants"
)

// EventType names a job lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is published by the job runner as a job moves through its lifecycle.
type Event struct {
	Type      EventType           `json:"type"`
	JobID     string              `json:"job_id"`
	Status    constants.JobStatus `json:"status"`
	Processed int                 `json:"processed"`
	Total     int                 `json:"total"`
	Ordinal   int                 `json:"ordinal,omitempty"`
	OutputRef string              `json:"output_ref,omitempty"`
	At        time.Time           `json:"at"`
}
