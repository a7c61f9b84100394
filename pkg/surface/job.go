package surface

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the state of a reconstruction job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrInvalidTransition is returned for a job state change the state machine forbids
var ErrInvalidTransition = errors.New("invalid job transition")

// Job tracks one asynchronous reconstruction through
// pending -> processing -> completed | failed
type Job struct {
	ID       string
	SeriesID string
	Params   Params

	mu        sync.Mutex
	status    Status
	result    *Result
	reason    string
	createdAt time.Time
	updatedAt time.Time
	done      chan struct{}
}

// JobState is a snapshot of a job
type JobState struct {
	ID        string    `json:"id"`
	SeriesID  string    `json:"seriesId"`
	Status    Status    `json:"status"`
	Fallback  bool      `json:"fallback"`
	Reason    string    `json:"reason,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewJob creates a pending job
func NewJob(id, seriesID string, p Params) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		SeriesID:  seriesID,
		Params:    p,
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
}

func (j *Job) transition(from, to Status) error {
	if j.status != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, j.status)
	}
	j.status = to
	j.updatedAt = time.Now()
	return nil
}

// Start moves a pending job to processing
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transition(StatusPending, StatusProcessing)
}

// Complete records the result of a processing job
func (j *Job) Complete(res *Result) error {
	if res == nil {
		return fmt.Errorf("%w: completed without a result", ErrInvalidTransition)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(StatusProcessing, StatusCompleted); err != nil {
		return err
	}
	j.result = res
	close(j.done)
	return nil
}

// Fail records why a processing job failed. The reason is required.
func (j *Job) Fail(reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: failed without a reason", ErrInvalidTransition)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transition(StatusProcessing, StatusFailed); err != nil {
		return err
	}
	j.reason = reason
	close(j.done)
	return nil
}

// Done is closed once the job completed or failed
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// State returns a snapshot of the job
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobState{
		ID:        j.ID,
		SeriesID:  j.SeriesID,
		Status:    j.status,
		Reason:    j.reason,
		Result:    j.result,
		CreatedAt: j.createdAt,
		UpdatedAt: j.updatedAt,
	}
	if j.result != nil {
		s.Fallback = j.result.Fallback
	}
	return s
}
