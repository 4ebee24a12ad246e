// Package jobs tracks transcription jobs in memory.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bosley/speaktotext/transcript"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrCapacityExceeded is returned by Create when the registry is full.
	ErrCapacityExceeded = errors.New("too many jobs in progress")
	// ErrInvalidTransition is returned when an update would move a job
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Status is a job lifecycle stage.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Job is one submitted transcription.
type Job struct {
	ID               string             `json:"id"`
	Status           Status             `json:"status"`
	Stage            string             `json:"stage,omitempty"`
	Progress         string             `json:"progress,omitempty"`
	Model            string             `json:"model,omitempty"`
	Filename         string             `json:"filename,omitempty"`
	URL              string             `json:"url,omitempty"`
	DurationSeconds  *float64           `json:"duration_seconds,omitempty"`
	TimeoutSeconds   float64            `json:"timeout_seconds,omitempty"`
	EstimatedSeconds float64            `json:"estimated_seconds,omitempty"`
	Language         string             `json:"language,omitempty"`
	Result           *transcript.Result `json:"result,omitempty"`
	Error            string             `json:"error,omitempty"`
	ErrorHint        string             `json:"error_hint,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
}

// validTransition enforces queued -> [downloading ->] processing -> completed|error.
// Any non-terminal state may fail.
func validTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusQueued:
		return to == StatusDownloading || to == StatusProcessing || to == StatusError
	case StatusDownloading:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError
	default:
		return false
	}
}

// Registry is a mutex-guarded map of jobs with a capacity ceiling.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	capacity  int
	retention time.Duration
	now       func() time.Time
	onChange  func(Job)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithChangeHook registers fn to receive a snapshot after every create and
// update. fn runs outside the registry lock.
func WithChangeHook(fn func(Job)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates a registry holding at most capacity live jobs and
// reaping terminal jobs older than retention.
func NewRegistry(capacity int, retention time.Duration, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = 50
	}
	r := &Registry{
		jobs:      make(map[string]*Job),
		capacity:  capacity,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores a new queued job built from init and returns its snapshot.
// Callers should Reap first; Create itself never evicts.
func (r *Registry) Create(init Job) (Job, error) {
	r.mu.Lock()
	if len(r.jobs) >= r.capacity {
		r.mu.Unlock()
		return Job{}, ErrCapacityExceeded
	}

	job := init
	job.ID = uuid.New().String()
	job.Status = StatusQueued
	job.StartedAt = r.now()
	job.Result = nil
	job.Error = ""
	job.ErrorHint = ""
	r.jobs[job.ID] = &job
	snapshot := job
	r.mu.Unlock()

	r.notify(snapshot)
	return snapshot, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// Update applies fn to a copy of the job under the lock and stores it if the
// status change is valid. The whole read-modify-write is atomic.
func (r *Registry) Update(id string, fn func(*Job)) (Job, error) {
	r.mu.Lock()
	current, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, ErrNotFound
	}

	next := *current
	fn(&next)
	next.ID = current.ID
	next.StartedAt = current.StartedAt

	if next.Status != current.Status || current.Status.Terminal() {
		if !validTransition(current.Status, next.Status) {
			r.mu.Unlock()
			return *current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
		}
	}

	*current = next
	r.mu.Unlock()

	r.notify(next)
	return next, nil
}

// Delete removes the job.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

// Reap removes terminal jobs whose age exceeds the retention window and
// returns how many were removed. Queued and running jobs are never reaped.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, job := range r.jobs {
		if job.Status.Terminal() && now.Sub(job.StartedAt) > r.retention {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Status]int)
	for _, job := range r.jobs {
		out[job.Status]++
	}
	return out
}

func (r *Registry) notify(job Job) {
	if r.onChange != nil {
		r.onChange(job)
	}
}
