// Package report accumulates job results into a run summary and persists it.
package report

import (
	"fmt"
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/job"
	"time"
)

// Summary is the machine-readable outcome of one run.
type Summary struct {
	RunID      string       `json:"runId"`
	Total      int          `json:"total"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	DryRun     bool         `json:"dryRun,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Jobs       []job.Result `json:"jobs"`
}

// SuccessRate is the percentage of jobs that succeeded.
func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// Count returns the number of jobs with the given error detail.
func (s Summary) Count(detail job.ErrorDetail) int {
	n := 0
	for _, r := range s.Jobs {
		if r.ErrorDetail == detail {
			n++
		}
	}
	return n
}

// Err returns nil when every job succeeded, or when a dry run found no
// invalid spec. Any failure, invalid spec, or batch cancellation is an error.
func (s Summary) Err() error {
	invalid := s.Count(job.ValidationFailed)
	cancelled := s.Count(job.CancelledByBatch)
	if s.Failed == 0 && invalid == 0 && cancelled == 0 {
		return nil
	}
	return apperrors.Execution("BatchIncomplete",
		fmt.Sprintf("%d failed, %d invalid, %d cancelled of %d jobs", s.Failed, invalid, cancelled, s.Total), nil)
}
