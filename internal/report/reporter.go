package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/layout"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config identifies the run being reported.
type Config struct {
	RunID     string
	Root      string
	StartedAt time.Time
	DryRun    bool
}

// Metadata is the per-job metadata.json document.
type Metadata struct {
	RunID  string       `json:"runId"`
	File   string       `json:"file,omitempty"`
	Spec   jobspec.Spec `json:"spec"`
	Result job.Result   `json:"result"`
}

// Reporter accumulates results as they arrive. Record and Finalize are safe
// for concurrent use; Finalize takes effect once.
type Reporter struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	order   []string
	planned map[string]jobspec.Entry
	results map[string]job.Result

	once    sync.Once
	summary Summary
	err     error
}

// New creates a reporter for one run.
func New(cfg Config) *Reporter {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &Reporter{
		cfg:     cfg,
		logger:  slog.With("component", "reporter", "runId", cfg.RunID),
		now:     time.Now,
		planned: make(map[string]jobspec.Entry),
		results: make(map[string]job.Result),
	}
}

// Plan registers every loaded entry in input order. Invalid entries are
// recorded immediately as skipped with their validation issues.
func (r *Reporter) Plan(entries []jobspec.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if !e.Valid() {
			res := job.Invalid(e)
			key := e.File
			r.order = append(r.order, key)
			r.results[key] = res
			continue
		}
		r.order = append(r.order, e.Spec.ID)
		r.planned[e.Spec.ID] = e
	}
}

// Record stores a terminal result and writes its metadata.json when the job
// started executing.
func (r *Reporter) Record(res job.Result) error {
	r.mu.Lock()
	entry, ok := r.planned[res.JobID]
	if ok {
		res.File = entry.File
	} else {
		r.order = append(r.order, res.JobID)
	}
	r.results[res.JobID] = res
	r.mu.Unlock()

	if res.StartedAt.IsZero() {
		return nil
	}
	dir := res.ArtifactDir
	if dir == "" {
		dir = layout.ArtifactDir(r.cfg.Root, res.JobID, entry.Spec.OutputPathOverride)
	}
	if err := layout.Ensure(dir); err != nil {
		return apperrors.Internal("report.metadata", err)
	}
	meta := Metadata{RunID: r.cfg.RunID, File: entry.File, Spec: entry.Spec, Result: res}
	if err := writeJSON(layout.MetadataPath(dir), meta); err != nil {
		return apperrors.Internal("report.metadata", err)
	}
	return nil
}

// Finalize marks every planned job without a result as cancelled, writes
// summary.json and returns the summary. Later calls return the same values.
func (r *Reporter) Finalize() (Summary, error) {
	r.once.Do(func() {
		r.summary = r.build()
		if err := layout.Ensure(r.cfg.Root); err != nil {
			r.err = apperrors.Internal("report.summary", err)
			return
		}
		if err := writeJSON(layout.SummaryPath(r.cfg.Root), r.summary); err != nil {
			r.err = apperrors.Internal("report.summary", err)
			return
		}
		r.log(r.summary)
	})
	return r.summary, r.err
}

func (r *Reporter) build() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		RunID:      r.cfg.RunID,
		DryRun:     r.cfg.DryRun,
		StartedAt:  r.cfg.StartedAt,
		FinishedAt: r.now(),
		Jobs:       make([]job.Result, 0, len(r.order)),
	}
	for _, key := range r.order {
		res, ok := r.results[key]
		if !ok {
			res = job.Skipped(key, job.CancelledByBatch, "run ended before job was dispatched")
			res.File = r.planned[key].File
		}
		s.Jobs = append(s.Jobs, res)
		switch res.State {
		case job.StateSucceeded:
			s.Succeeded++
		case job.StateFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	}
	s.Total = len(s.Jobs)
	return s
}

func (r *Reporter) log(s Summary) {
	for _, res := range s.Jobs {
		switch {
		case res.State == job.StateFailed:
			r.logger.Error("Job failed", "jobId", res.JobID, "errorDetail", res.ErrorDetail, "error", res.ErrorMessage)
		case res.ErrorDetail == job.ValidationFailed:
			r.logger.Error("Job spec invalid", "jobId", res.JobID, "file", res.File, "error", res.ErrorMessage)
		}
	}
	r.logger.Info("Batch summary",
		"total", s.Total,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"successRate", fmt.Sprintf("%.1f%%", s.SuccessRate()),
		"duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond),
		"output", r.cfg.Root,
	)
}

// writeJSON writes v to path through a temporary file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
