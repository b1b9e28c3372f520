// Package processing defines the contract between the batch executor and a
// remote processing backend. Adapters are thin transports: they never retry.
package processing

import (
	"context"
	"oprlmbatch/internal/jobspec"
)

// State is the remote job state reported by Poll.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Terminal reports whether the remote job will not change state again.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Handle identifies a submitted job.
type Handle struct {
	ID           string // backend job id
	SubmissionID string // client-side correlation id
	JobID        string // JobSpec id
}

// JobStatus is one poll observation.
type JobStatus struct {
	State   State
	Message string // remote error text when State is FAILED
}

// Client executes one job end-to-end against a backend.
type Client interface {
	Submit(ctx context.Context, spec jobspec.Spec) (Handle, error)
	Poll(ctx context.Context, h Handle) (JobStatus, error)
	FetchArtifacts(ctx context.Context, h Handle, destDir string) ([]string, error)
}

// ReadinessChecker is implemented by clients that can verify their backend
// before any job is dispatched.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Options carries settings every adapter honors.
type Options struct {
	Headless bool   // browser automation runs without a visible window
	Email    string // contact email when a spec omits one
}
