// Package job defines the Job entity and its lifecycle status enum,
// shared between a node's HTTP surface and its supervisor. It is a plain
// data struct plus a small set of accessor methods, no behavior beyond
// the entity itself.
package job

import (
	"sync"
	"time"

	"github.com/gridforge/gridforge/internal/schema"
)

// Status is one of the eight lifecycle states a Job can be in.
type Status string

const (
	StatusPreparing    Status = "Preparing"
	StatusInitializing Status = "Initializing"
	StatusQueued       Status = "Queued"
	StatusRunning      Status = "Running"
	StatusFinished     Status = "Finished"
	StatusError        Status = "Error"
	StatusCancelling   Status = "Cancelling"
	StatusCancelled    Status = "Cancelled"
)

// IsTerminal reports whether no further transition out of this status is
// possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// RunConfig is supplied by the caller at /jobs/{id}/start and carried
// through to the worker process and any child job it spawns.
type RunConfig struct {
	Priority          int    `json:"priority"`
	CheckCache        bool   `json:"check_cache"`
	SaveToCache       bool   `json:"save_to_cache"`
	ResourcesIncluded bool   `json:"resources_included"`
	DeviceID          int    `json:"device_id,omitempty"`
}

// ChildRunConfig derives the run_config a child job spawned from this
// job's process callback should use: it always inherits priority,
// check_cache, and save_to_cache. When sameResources is true the child
// also inherits this job's device_id and marks resources_included,
// so the child bypasses the resource queue entirely.
func (rc RunConfig) ChildRunConfig(sameResources bool) RunConfig {
	child := RunConfig{
		Priority:    rc.Priority,
		CheckCache:  rc.CheckCache,
		SaveToCache: rc.SaveToCache,
	}
	if sameResources {
		child.DeviceID = rc.DeviceID
		child.ResourcesIncluded = true
	}
	return child
}

// Error is the diagnostic payload recorded when a Job reaches Error (the
// worker's traceback and exception type name) or Cancelled (a fixed
// message, no traceback).
type Error struct {
	TypeName  string `json:"type_name"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Job is one submission's full state, owned by its Node's in-memory map
// until cleanup or explicit delete, and by exactly one supervisor task
// after start.
type Job struct {
	mu sync.Mutex

	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`

	Input  schema.Record `json:"input"`
	Output schema.Record `json:"output,omitempty"`
	Error  *Error        `json:"error,omitempty"`

	InputDir  string `json:"-"`
	OutputDir string `json:"-"`

	RunConfig RunConfig `json:"run_config"`
}

// New creates a Job in Preparing with an empty, partially-filled input
// record.
func New(id string, now time.Time, inputDir, outputDir string) *Job {
	return &Job{
		ID:        id,
		CreatedAt: now,
		Status:    StatusPreparing,
		Input:     schema.Record{},
		InputDir:  inputDir,
		OutputDir: outputDir,
	}
}

// GetStatus returns the Job's current status under lock.
func (j *Job) GetStatus() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// SetStatus transitions the Job to status under lock.
func (j *Job) SetStatus(status Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
}

// CompareAndSetStatus transitions to next only if the Job is currently in
// from, returning whether the transition happened. Used for idempotent
// stop(): repeated calls while Cancelling must not re-trigger cancellation.
func (j *Job) CompareAndSetStatus(from, next Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != from {
		return false
	}
	j.Status = next
	return true
}

// QueueID is the manager-facing identifier for this job's resource
// request: <node_name>_<job_id>.
func QueueID(nodeName, jobID string) string {
	return nodeName + "_" + jobID
}
