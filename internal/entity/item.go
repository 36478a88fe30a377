package entity

import (
	"time"

	"github.com/joseph-ayodele/image-batch/constants"
)

// Item is one row's worth of work inside a job.
type Item struct {
	JobID        string               `json:"job_id"`
	Ordinal      int                  `json:"ordinal"`
	SerialNumber string               `json:"serial_number"`
	ProductName  string               `json:"product_name"`
	InputURLs    []string             `json:"input_urls"`
	OutputURLs   []string             `json:"output_urls"`
	Status       constants.ItemStatus `json:"status"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// PadOutputs extends or trims OutputURLs so it is parallel to InputURLs,
// filling missing slots with the failure sentinel.
func (it *Item) PadOutputs() {
	out := make([]string, len(it.InputURLs))
	for i := range out {
		if i < len(it.OutputURLs) && it.OutputURLs[i] != "" {
			out[i] = it.OutputURLs[i]
			continue
		}
		out[i] = constants.FailedLocator
	}
	it.OutputURLs = out
}

// Finish moves the item to a terminal status with full-length outputs.
func (it *Item) Finish(status constants.ItemStatus, now time.Time) {
	it.PadOutputs()
	it.Status = status
	it.UpdatedAt = now
}

// FailedOutputs counts sentinel slots.
func (it *Item) FailedOutputs() int {
	n := 0
	for _, u := range it.OutputURLs {
		if u == constants.FailedLocator {
			n++
		}
	}
	return n
}
