// Package job drives a single JobSpec through its execution lifecycle.
package job

import (
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/jobspec"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// State is a lifecycle state of one job.
type State string

const (
	StatePending     State = "PENDING"
	StateSubmitting  State = "SUBMITTING"
	StatePolling     State = "POLLING"
	StateDownloading State = "DOWNLOADING"
	StateSucceeded   State = "SUCCEEDED"
	StateFailed      State = "FAILED"
	StateSkipped     State = "SKIPPED"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// ErrorDetail tags why a job did not succeed.
type ErrorDetail string

const (
	SubmitExhausted     ErrorDetail = "SubmitExhausted"
	RemoteJobFailed     ErrorDetail = "RemoteJobFailed"
	Timeout             ErrorDetail = "Timeout"
	ArtifactFetchFailed ErrorDetail = "ArtifactFetchFailed"
	CancelledByBatch    ErrorDetail = "CancelledByBatch"
	ValidationFailed    ErrorDetail = "ValidationFailed"
)

// Result is the terminal outcome of one job. It is created once by the
// executor and passed by value afterwards.
type Result struct {
	JobID         string          `json:"jobId"`
	File          string          `json:"file,omitempty"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	StartedAt     time.Time       `json:"startedAt,omitzero"`
	FinishedAt    time.Time       `json:"finishedAt,omitzero"`
	ArtifactPaths []string        `json:"artifactPaths"`
	ArtifactDir   string          `json:"-"`
	ErrorDetail   ErrorDetail     `json:"errorDetail,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	Issues        []jobspec.Issue `json:"issues,omitempty"`
}

// Err returns the execution error for a failed result, or nil.
func (r Result) Err() error {
	if r.State != StateFailed {
		return nil
	}
	return apperrors.Execution(apperrors.Kind(r.ErrorDetail), r.ErrorMessage, nil)
}

// Duration is the wall time from start to finish, or zero if never started.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Skipped builds the result of a job that never left PENDING.
func Skipped(jobID string, detail ErrorDetail, message string) Result {
	return Result{
		JobID:         jobID,
		State:         StateSkipped,
		ArtifactPaths: []string{},
		ErrorDetail:   detail,
		ErrorMessage:  message,
	}
}

// Invalid builds the result reported for a spec rejected by validation.
func Invalid(entry jobspec.Entry) Result {
	id := entry.Spec.ID
	if id == "" {
		base := filepath.Base(entry.File)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	r := Skipped(id, ValidationFailed, entry.Err.Error())
	r.File = entry.File
	r.Issues = slices.Clone(entry.Err.Issues)
	return r
}
