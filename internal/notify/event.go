package notify

import (
	"time"

	"github.com/google/uuid"
)

// CompletedEventType is the CloudEvents type of job completion callbacks.
const CompletedEventType = "imagebatch.job.completed"

// CloudEvent is a CloudEvents 1.0 structured-mode envelope.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// NewEvent creates a CloudEvent with a fresh id.
func NewEvent(eventType, source, subject string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Completion is what a finished job reports to its callback endpoint.
type Completion struct {
	JobID          string
	Status         string
	OutputURL      string
	ProcessedItems int
	TotalItems     int
}

func (c Completion) data() map[string]any {
	return map[string]any{
		"requestId":      c.JobID,
		"status":         c.Status,
		"outputCsvUrl":   c.OutputURL,
		"processedItems": c.ProcessedItems,
		"totalItems":     c.TotalItems,
	}
}
