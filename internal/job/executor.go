package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"oprlmbatch/internal/config"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/layout"
	"oprlmbatch/internal/processing"
	"oprlmbatch/pkg/backoff"
	"time"
)

// Policy is the retry and timeout policy applied to every job.
type Policy struct {
	MaxSubmitRetries int            // retries after the first submit
	Backoff          backoff.Policy // delay between submit and fetch retries
	PollInterval     time.Duration
	PollErrorLimit   int           // consecutive poll errors tolerated
	Timeout          time.Duration // bounds the polling phase only
	FetchRetries     int
}

// PolicyFromConfig maps environment configuration onto a Policy.
func PolicyFromConfig(cfg config.ExecutorConfig) Policy {
	return Policy{
		MaxSubmitRetries: cfg.MaxSubmitRetries,
		Backoff:          backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		PollInterval:     cfg.PollInterval,
		PollErrorLimit:   cfg.PollErrorLimit,
		Timeout:          cfg.JobTimeout,
		FetchRetries:     1,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxSubmitRetries < 0 {
		p.MaxSubmitRetries = 0
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.PollErrorLimit < 0 {
		p.PollErrorLimit = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = time.Hour
	}
	if p.FetchRetries < 0 {
		p.FetchRetries = 0
	}
	return p
}

// Observer is notified of every state transition.
type Observer interface {
	OnTransition(jobID string, from, to State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(jobID string, from, to State)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(jobID string, from, to State) { f(jobID, from, to) }

// Observers fans transitions out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var list []Observer
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(jobID string, from, to State) {
		for _, o := range list {
			o.OnTransition(jobID, from, to)
		}
	})
}

// Executor runs jobs against a processing client. It is safe for concurrent
// use; each Run call owns its own state.
type Executor struct {
	client   processing.Client
	policy   Policy
	root     string
	observer Observer
	now      func() time.Time
}

// NewExecutor creates an executor writing artifacts under root.
// observer may be nil.
func NewExecutor(client processing.Client, policy Policy, root string, observer Observer) *Executor {
	return &Executor{
		client:   client,
		policy:   policy.withDefaults(),
		root:     root,
		observer: observer,
		now:      time.Now,
	}
}

// errCancelled marks a cancellation seen at a transition boundary.
var errCancelled = errors.New("cancelled by batch")

// run is the mutable state of one execution. It never escapes Run.
type run struct {
	spec     jobspec.Spec
	state    State
	attempts int
	started  time.Time
	logger   *slog.Logger
}

// Run drives spec to a terminal state and returns its Result exactly once.
// Cancellation of ctx is honored between steps only: an adapter call in
// flight always runs to completion.
func (e *Executor) Run(ctx context.Context, spec jobspec.Spec) Result {
	r := &run{
		spec:   spec,
		state:  StatePending,
		logger: slog.With("component", "executor", "jobId", spec.ID),
	}

	if ctx.Err() != nil {
		return e.finish(r, Skipped(spec.ID, CancelledByBatch, "run cancelled before job started"))
	}

	r.started = e.now()
	r.attempts = 1
	e.transition(r, StateSubmitting)

	handle, err := e.submit(ctx, r)
	if err != nil {
		return e.fail(r, err)
	}

	if err := e.checkpoint(ctx, r, StatePolling); err != nil {
		return e.fail(r, err)
	}
	if err := e.poll(ctx, r, handle); err != nil {
		return e.fail(r, err)
	}

	if err := e.checkpoint(ctx, r, StateDownloading); err != nil {
		return e.fail(r, err)
	}
	dir := layout.ArtifactDir(e.root, spec.ID, spec.OutputPathOverride)
	paths, err := e.fetch(ctx, r, handle, dir)
	if err != nil {
		return e.fail(r, err)
	}

	res := e.result(r, StateSucceeded)
	res.ArtifactPaths = paths
	res.ArtifactDir = dir
	r.logger.Info("Job succeeded", "attempts", r.attempts, "artifacts", len(paths), "duration", res.Duration())
	return e.finish(r, res)
}

func (e *Executor) submit(ctx context.Context, r *run) (processing.Handle, error) {
	var lastErr error
	for retry := 0; retry <= e.policy.MaxSubmitRetries; retry++ {
		if retry > 0 {
			r.attempts++
			if err := e.policy.Backoff.Wait(ctx, retry); err != nil {
				return processing.Handle{}, errCancelled
			}
		}

		h, err := e.client.Submit(context.WithoutCancel(ctx), r.spec)
		if err == nil {
			return h, nil
		}
		lastErr = err
		r.logger.Warn("Submit failed", "retry", retry, "error", err)

		if ctx.Err() != nil {
			return processing.Handle{}, errCancelled
		}
	}
	return processing.Handle{}, execErr(SubmitExhausted,
		fmt.Sprintf("submit failed after %d attempts: %v", e.policy.MaxSubmitRetries+1, lastErr), lastErr)
}

func (e *Executor) poll(ctx context.Context, r *run, h processing.Handle) error {
	deadline := e.now().Add(e.policy.Timeout)
	consecutiveErrors := 0

	for {
		if ctx.Err() != nil {
			return errCancelled
		}

		st, err := e.client.Poll(context.WithoutCancel(ctx), h)
		switch {
		case err != nil:
			consecutiveErrors++
			r.attempts++
			r.logger.Warn("Poll failed", "consecutiveErrors", consecutiveErrors, "error", err)
			if consecutiveErrors > e.policy.PollErrorLimit {
				return execErr(Timeout, fmt.Sprintf("poll failed %d consecutive times: %v", consecutiveErrors, err), err)
			}
		case st.State == processing.StateDone:
			return nil
		case st.State == processing.StateFailed:
			msg := st.Message
			if msg == "" {
				msg = "remote job reported failure"
			}
			return execErr(RemoteJobFailed, msg, nil)
		default:
			consecutiveErrors = 0
			r.logger.Debug("Remote job in progress", "remoteState", st.State)
		}

		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return execErr(Timeout, fmt.Sprintf("remote job not done after %s", e.policy.Timeout), nil)
		}
		if err := sleep(ctx, min(e.policy.PollInterval, remaining)); err != nil {
			return errCancelled
		}
	}
}

func (e *Executor) fetch(ctx context.Context, r *run, h processing.Handle, dir string) ([]string, error) {
	if err := layout.Ensure(dir); err != nil {
		return nil, execErr(ArtifactFetchFailed, err.Error(), err)
	}

	var lastErr error
	for try := 0; try <= e.policy.FetchRetries; try++ {
		if try > 0 {
			r.attempts++
			if err := e.policy.Backoff.Wait(ctx, try); err != nil {
				return nil, errCancelled
			}
		}

		paths, err := e.client.FetchArtifacts(context.WithoutCancel(ctx), h, dir)
		if err == nil {
			return paths, nil
		}
		lastErr = err
		r.logger.Warn("Artifact fetch failed", "try", try, "error", err)

		if ctx.Err() != nil {
			return nil, errCancelled
		}
	}
	return nil, execErr(ArtifactFetchFailed, fmt.Sprintf("fetch artifacts: %v", lastErr), lastErr)
}

// checkpoint moves to next unless the batch was cancelled.
func (e *Executor) checkpoint(ctx context.Context, r *run, next State) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	e.transition(r, next)
	return nil
}

func (e *Executor) fail(r *run, err error) Result {
	res := e.result(r, StateFailed)
	var ee *executionError
	if errors.As(err, &ee) {
		res.ErrorDetail = ee.detail
		res.ErrorMessage = ee.msg
	} else {
		res.ErrorDetail = CancelledByBatch
		res.ErrorMessage = fmt.Sprintf("cancelled while %s", r.state)
	}
	r.logger.Error("Job failed", "errorDetail", res.ErrorDetail, "error", res.ErrorMessage, "attempts", r.attempts)
	return e.finish(r, res)
}

func (e *Executor) result(r *run, state State) Result {
	return Result{
		JobID:         r.spec.ID,
		State:         state,
		Attempts:      r.attempts,
		StartedAt:     r.started,
		FinishedAt:    e.now(),
		ArtifactPaths: []string{},
	}
}

func (e *Executor) finish(r *run, res Result) Result {
	e.transition(r, res.State)
	return res
}

func (e *Executor) transition(r *run, to State) {
	from := r.state
	r.state = to
	r.logger.Debug("State transition", "from", string(from), "to", string(to))
	if e.observer != nil {
		e.observer.OnTransition(r.spec.ID, from, to)
	}
}

type executionError struct {
	detail ErrorDetail
	msg    string
	cause  error
}

func (e *executionError) Error() string { return e.msg }
func (e *executionError) Unwrap() error { return e.cause }

func execErr(detail ErrorDetail, msg string, cause error) error {
	return &executionError{detail: detail, msg: msg, cause: cause}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
