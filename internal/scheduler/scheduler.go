// Package scheduler runs job executors on a fixed-size worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/report"
	"sync"
)

// Config is passed by value at construction.
type Config struct {
	Concurrency     int  // simultaneous executors, must be >= 1
	ContinueOnError bool // keep dispatching after a FAILED result
	DryRun          bool // skip every job without calling the adapter
}

// Validate reports an invalid pool size as a fatal error.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return apperrors.Fatal("scheduler", fmt.Sprintf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	return nil
}

// Runner drives one spec to a terminal result. *job.Executor implements it.
type Runner interface {
	Run(ctx context.Context, spec jobspec.Spec) job.Result
}

// Reporter receives results as they arrive. *report.Reporter implements it.
type Reporter interface {
	Record(res job.Result) error
	Finalize() (report.Summary, error)
}

// Scheduler dispatches specs in input order to at most Concurrency workers.
// Results flow through a single channel to the collector, which is the only
// goroutine that writes to the reporter.
type Scheduler struct {
	cfg      Config
	runner   Runner
	reporter Reporter
	logger   *slog.Logger

	onResult []func(job.Result)
}

// New validates cfg and builds a scheduler. runner may be nil for dry runs
// and for runs where nothing is schedulable.
func New(cfg Config, runner Runner, reporter Reporter) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		reporter: reporter,
		logger:   slog.With("component", "scheduler"),
	}, nil
}

// OnResult registers fn to be called by the collector for every result.
// Must be called before Run.
func (s *Scheduler) OnResult(fn func(job.Result)) {
	s.onResult = append(s.onResult, fn)
}

// Run executes specs and returns the finalized summary. Cancelling ctx stops
// dispatch; jobs already running stop at their next state boundary. The
// summary is produced in every case, and Run waits for running executors
// before finalizing. The returned error is a cancellation
// error when ctx ended the run, or the reporter's write error.
func (s *Scheduler) Run(ctx context.Context, specs []jobspec.Spec) (report.Summary, error) {
	if s.runner == nil && !s.cfg.DryRun && len(specs) > 0 {
		return report.Summary{}, apperrors.Fatal("scheduler", "no processing runner configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("Run started",
		"jobs", len(specs),
		"concurrency", s.cfg.Concurrency,
		"continueOnError", s.cfg.ContinueOnError,
		"dryRun", s.cfg.DryRun,
	)

	queue := make(chan jobspec.Spec)
	results := make(chan job.Result)

	// A worker cancels before handing over a FAILED result, so with
	// fail-fast no later dispatch can start executing.
	var stopOnce sync.Once
	stop := func(res job.Result) {
		if res.State != job.StateFailed || res.ErrorDetail == job.CancelledByBatch || s.cfg.ContinueOnError {
			return
		}
		stopOnce.Do(func() {
			s.logger.Warn("Job failed, cancelling remaining jobs", "jobId", res.JobID, "errorDetail", res.ErrorDetail)
			cancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(s.cfg.Concurrency)
	for range s.cfg.Concurrency {
		go func() {
			defer wg.Done()
			for spec := range queue {
				// the feeder can win a race against cancellation; Finalize reports these
				if runCtx.Err() != nil {
					continue
				}
				res := s.execute(runCtx, spec)
				stop(res)
				results <- res
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, spec := range specs {
			// check first so a cancelled run never hands out another spec
			if runCtx.Err() != nil {
				return
			}
			select {
			case queue <- spec:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var recordErr error
	for res := range results {
		if err := s.reporter.Record(res); err != nil && recordErr == nil {
			recordErr = err
			s.logger.Error("Failed to record result", "jobId", res.JobID, "error", err)
		}
		for _, fn := range s.onResult {
			fn(res)
		}
	}

	summary, err := s.reporter.Finalize()
	if err == nil {
		err = recordErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err != nil {
			return summary, errors.Join(apperrors.Cancelled(ctxErr), err)
		}
		return summary, apperrors.Cancelled(ctxErr)
	}
	return summary, err
}

func (s *Scheduler) execute(ctx context.Context, spec jobspec.Spec) job.Result {
	if s.cfg.DryRun {
		s.logger.Info("Validated", "jobId", spec.ID, "inputMode", spec.InputMode, "membrane", spec.Membrane.Type)
		return job.Skipped(spec.ID, "", "dry run")
	}
	return s.runner.Run(ctx, spec)
}
