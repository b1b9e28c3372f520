package scheduler

import (
	"context"
	"errors"
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/report"
	"oprlmbatch/internal/testutil"
	"oprlmbatch/pkg/backoff"
	"slices"
	"sync"
	"testing"
	"time"
)

func fastPolicy() job.Policy {
	return job.Policy{
		MaxSubmitRetries: 1,
		Backoff:          backoff.Policy{Base: time.Millisecond, Max: time.Millisecond},
		PollInterval:     time.Millisecond,
		PollErrorLimit:   1,
		Timeout:          time.Second,
		FetchRetries:     1,
	}
}

type harness struct {
	client   *testutil.FakeClient
	reporter *report.Reporter
	root     string
}

func newHarness(t *testing.T, ids ...string) (*harness, []jobspec.Spec) {
	t.Helper()
	root := t.TempDir()
	specs := testutil.Specs(t, ids...)
	entries := make([]jobspec.Entry, len(specs))
	for i, spec := range specs {
		entries[i] = jobspec.Entry{File: spec.ID + ".yml", Spec: spec}
	}
	r := report.New(report.Config{RunID: "test", Root: root})
	r.Plan(entries)
	return &harness{client: testutil.NewFakeClient(), reporter: r, root: root}, specs
}

func (h *harness) run(t *testing.T, ctx context.Context, cfg Config, specs []jobspec.Spec) (report.Summary, error) {
	t.Helper()
	exec := job.NewExecutor(h.client, fastPolicy(), h.root, nil)
	s, err := New(cfg, exec, h.reporter)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s.Run(ctx, specs)
}

func byID(s report.Summary) map[string]job.Result {
	m := make(map[string]job.Result, len(s.Jobs))
	for _, r := range s.Jobs {
		m[r.JobID] = r
	}
	return m
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		concurrency int
		wantErr     bool
	}{
		{1, false},
		{8, false},
		{0, true},
		{-2, true},
	}
	for _, tt := range tests {
		err := Config{Concurrency: tt.concurrency}.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%d) = %v, wantErr %v", tt.concurrency, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, apperrors.ErrFatal) {
			t.Errorf("Validate(%d) should be fatal, got %v", tt.concurrency, err)
		}
	}
}

func TestRun_RunnerRequiredOnlyForWork(t *testing.T) {
	t.Parallel()

	h, _ := newHarness(t)
	s, err := New(Config{Concurrency: 1}, nil, h.reporter)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	summary, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() with nothing schedulable = %v", err)
	}
	if summary.Total != 0 {
		t.Errorf("Total = %d, want 0", summary.Total)
	}

	h, specs := newHarness(t, "a")
	s, err = New(Config{Concurrency: 1}, nil, h.reporter)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.Run(context.Background(), specs); !errors.Is(err, apperrors.ErrFatal) {
		t.Errorf("Run() without runner = %v, want fatal", err)
	}

	h, specs = newHarness(t, "a")
	s, err = New(Config{Concurrency: 1, DryRun: true}, nil, h.reporter)
	if err != nil {
		t.Fatalf("New() dry run error = %v", err)
	}
	if _, err := s.Run(context.Background(), specs); err != nil {
		t.Errorf("dry run needs no runner, got %v", err)
	}
}

func TestScheduler_AllSucceed(t *testing.T) {
	t.Parallel()
	h, specs := newHarness(t, "a", "b", "c")

	s, err := h.run(t, context.Background(), Config{Concurrency: 2}, specs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Succeeded != 3 || s.Failed != 0 || s.Skipped != 0 {
		t.Errorf("summary = %d/%d/%d, want 3/0/0", s.Succeeded, s.Failed, s.Skipped)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestScheduler_ContinueOnError(t *testing.T) {
	t.Parallel()
	h, specs := newHarness(t, "job1", "job2")
	h.client.Jobs["job2"] = testutil.Behavior{SubmitFailures: -1}

	s, err := h.run(t, context.Background(), Config{Concurrency: 1, ContinueOnError: true}, specs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := byID(s)
	if got["job1"].State != job.StateSucceeded {
		t.Errorf("job1 = %s", got["job1"].State)
	}
	if got["job2"].State != job.StateFailed || got["job2"].ErrorDetail != job.SubmitExhausted {
		t.Errorf("job2 = %s/%s", got["job2"].State, got["job2"].ErrorDetail)
	}
	if apperrors.ExitCode(s.Err()) != apperrors.ExitFailure {
		t.Errorf("exit code = %d, want 1", apperrors.ExitCode(s.Err()))
	}
}

func TestScheduler_FailFast(t *testing.T) {
	t.Parallel()
	h, specs := newHarness(t, "job1", "job2")
	h.client.Jobs["job1"] = testutil.Behavior{RemoteFail: true}

	s, err := h.run(t, context.Background(), Config{Concurrency: 1}, specs)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := byID(s)
	if got["job1"].State != job.StateFailed || got["job1"].ErrorDetail != job.RemoteJobFailed {
		t.Errorf("job1 = %s/%s", got["job1"].State, got["job1"].ErrorDetail)
	}
	if got["job2"].State != job.StateSkipped || got["job2"].ErrorDetail != job.CancelledByBatch {
		t.Errorf("job2 = %s/%s, want SKIPPED/CancelledByBatch", got["job2"].State, got["job2"].ErrorDetail)
	}
	if h.client.SubmitCount("job2") != 0 {
		t.Error("job2 must not be submitted after job1 failed")
	}
	if s.Total != s.Succeeded+s.Failed+s.Skipped {
		t.Error("total must equal the sum of outcomes")
	}
}

func TestScheduler_FailFastStopsLaterDispatch(t *testing.T) {
	t.Parallel()
	h, specs := newHarness(t, "a", "b", "c", "d", "e")
	h.client.Jobs["c"] = testutil.Behavior{SubmitFailures: -1}

	s, _ := h.run(t, context.Background(), Config{Concurrency: 1}, specs)

	if got := h.client.Submitted(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("Submitted() = %v, want [a b c]", got)
	}
	for _, id := range []string{"d", "e"} {
		if r := byID(s)[id]; r.State != job.StateSkipped || r.ErrorDetail != job.CancelledByBatch {
			t.Errorf("%s = %s/%s", id, r.State, r.ErrorDetail)
		}
	}
}

func TestScheduler_ContinueOnErrorRunsAll(t *testing.T) {
	t.Parallel()
	ids := []string{"a", "b", "c", "d", "e", "f"}
	h, specs := newHarness(t, ids...)
	h.client.Jobs["b"] = testutil.Behavior{RemoteFail: true}
	h.client.Jobs["e"] = testutil.Behavior{FetchFailures: -1}

	s, err := h.run(t, context.Background(), Config{Concurrency: 1, ContinueOnError: true}, specs)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range s.Jobs {
		if !r.State.Terminal() || r.State == job.StateSkipped {
			t.Errorf("%s ended %s, want SUCCEEDED or FAILED", r.JobID, r.State)
		}
	}
	if s.Succeeded != 4 || s.Failed != 2 {
		t.Errorf("summary = %d succeeded, %d failed", s.Succeeded, s.Failed)
	}
}

func TestScheduler_DispatchOrder(t *testing.T) {
	t.Parallel()
	ids := []string{"e", "a", "d", "b", "c"}
	h, specs := newHarness(t, ids...)

	if _, err := h.run(t, context.Background(), Config{Concurrency: 1}, specs); err != nil {
		t.Fatal(err)
	}
	if got := h.client.Submitted(); !slices.Equal(got, ids) {
		t.Errorf("Submitted() = %v, want %v", got, ids)
	}
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	h, specs := newHarness(t, ids...)
	h.client.Default = testutil.Behavior{Delay: 5 * time.Millisecond}

	s, err := h.run(t, context.Background(), Config{Concurrency: 3}, specs)
	if err != nil {
		t.Fatal(err)
	}
	if s.Succeeded != len(ids) {
		t.Errorf("Succeeded = %d", s.Succeeded)
	}
	if m := h.client.MaxConcurrent(); m > 3 {
		t.Errorf("MaxConcurrent() = %d, want <= 3", m)
	}
}

func TestScheduler_DryRun(t *testing.T) {
	t.Parallel()
	h, specs := newHarness(t, "a", "b", "c")
	h.client.Default = testutil.Behavior{SubmitFailures: -1}

	s, err := h.run(t, context.Background(), Config{Concurrency: 2, DryRun: true}, specs)
	if err != nil {
		t.Fatal(err)
	}
	if h.client.Calls() != 0 {
		t.Errorf("dry run made %d adapter calls", h.client.Calls())
	}
	if s.Skipped != 3 || s.Err() != nil {
		t.Errorf("summary = %+v", s)
	}
}

func TestScheduler_UserCancellation(t *testing.T) {
	t.Parallel()
	h, specs := newHarness(t, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := h.run(t, ctx, Config{Concurrency: 1}, specs)
	if !errors.Is(err, apperrors.ErrCancelled) {
		t.Fatalf("Run() error = %v, want cancelled", err)
	}
	if apperrors.ExitCode(err) != apperrors.ExitInterrupted {
		t.Errorf("ExitCode() = %d", apperrors.ExitCode(err))
	}
	if s.Total != 2 || s.Skipped != 2 {
		t.Errorf("partial summary = %+v", s)
	}
	if h.client.Calls() != 0 {
		t.Error("no adapter calls expected after cancellation")
	}
}

func TestScheduler_OnResult(t *testing.T) {
	t.Parallel()
	h, specs := newHarness(t, "a", "b")
	exec := job.NewExecutor(h.client, fastPolicy(), h.root, nil)
	s, err := New(Config{Concurrency: 2}, exec, h.reporter)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var seen []string
	s.OnResult(func(r job.Result) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.JobID)
	})
	if _, err := s.Run(context.Background(), specs); err != nil {
		t.Fatal(err)
	}

	slices.Sort(seen)
	if !slices.Equal(seen, []string{"a", "b"}) {
		t.Errorf("OnResult saw %v", seen)
	}
}
