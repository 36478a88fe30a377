package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/joseph-ayodele/image-batch/constants"
)

// ErrInvalidTransition is returned when a status change would break monotonicity.
var ErrInvalidTransition = errors.New("invalid status transition")

// Job represents one submitted batch for data transfer between layers.
type Job struct {
	ID             string              `json:"id"`
	Status         constants.JobStatus `json:"status"`
	TotalItems     int                 `json:"total_items"`
	ProcessedItems int                 `json:"processed_items"`
	SourcePath     string              `json:"source_path"`
	SourceName     string              `json:"source_name"`
	SourceHash     string              `json:"source_hash,omitempty"`
	CallbackURL    *string             `json:"callback_url,omitempty"`
	OutputRef      *string             `json:"output_ref,omitempty"`
	ErrorMessage   *string             `json:"error_message,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Transition moves the job to status to. Terminal jobs never change, and no
// job goes back to pending.
func (j *Job) Transition(to constants.JobStatus, now time.Time) error {
	if j.Status == to {
		j.UpdatedAt = now
		return nil
	}
	if j.Status.Terminal() || to == constants.JobStatusPending || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// Start records the validated row count and promotes the job to processing.
func (j *Job) Start(total int, now time.Time) error {
	if j.Status != constants.JobStatusPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, j.Status)
	}
	if total < 0 {
		return fmt.Errorf("negative item count %d", total)
	}
	j.TotalItems = total
	j.ProcessedItems = 0
	return j.Transition(constants.JobStatusProcessing, now)
}

// Advance counts one more terminal item.
func (j *Job) Advance(now time.Time) error {
	if j.Status != constants.JobStatusProcessing {
		return fmt.Errorf("%w: advance while %s", ErrInvalidTransition, j.Status)
	}
	if j.ProcessedItems >= j.TotalItems {
		return fmt.Errorf("processed count would exceed total %d", j.TotalItems)
	}
	j.ProcessedItems++
	j.UpdatedAt = now
	return nil
}

// Complete sets the artifact reference and marks the job completed.
func (j *Job) Complete(ref string, now time.Time) error {
	if j.ProcessedItems != j.TotalItems {
		return fmt.Errorf("%w: %d of %d items processed", ErrInvalidTransition, j.ProcessedItems, j.TotalItems)
	}
	if err := j.Transition(constants.JobStatusCompleted, now); err != nil {
		return err
	}
	j.OutputRef = &ref
	return nil
}

// Fail marks the job failed with a reason. Already-terminal jobs are left alone.
func (j *Job) Fail(reason string, now time.Time) error {
	if err := j.Transition(constants.JobStatusFailed, now); err != nil {
		return err
	}
	if reason != "" {
		j.ErrorMessage = &reason
	}
	return nil
}

// Progress returns the processed share as a whole percentage, rounded half up.
func (j *Job) Progress() int {
	if j.TotalItems <= 0 {
		return 0
	}
	return (j.ProcessedItems*200 + j.TotalItems) / (2 * j.TotalItems)
}
