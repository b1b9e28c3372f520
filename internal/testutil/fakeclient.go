package testutil

import (
	"context"
	"errors"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/processing"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrScripted is returned by FakeClient for scripted failures.
var ErrScripted = errors.New("scripted failure")

// Behavior scripts how FakeClient treats one job. Negative failure counts fail forever.
type Behavior struct {
	SubmitFailures int           // failing Submit calls before success
	PollErrors     int           // failing Poll calls before the first status
	RunningPolls   int           // RUNNING responses before the terminal one
	RemoteFail     bool          // terminal status is FAILED instead of DONE
	RemoteMessage  string        // message carried by a FAILED status
	FetchFailures  int           // failing FetchArtifacts calls before success
	Artifacts      []string      // file names written on fetch (default step5_assembly.pdb)
	Delay          time.Duration // every call blocks this long
}

// FakeClient is a scripted processing.Client for tests.
type FakeClient struct {
	Default Behavior
	Jobs    map[string]Behavior

	mu        sync.Mutex
	submits   map[string]int
	polls     map[string]int
	fetches   map[string]int
	submitted []string

	calls     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
}

var _ processing.Client = (*FakeClient)(nil)

// NewFakeClient returns a client where every job succeeds immediately.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Jobs:    make(map[string]Behavior),
		submits: make(map[string]int),
		polls:   make(map[string]int),
		fetches: make(map[string]int),
	}
}

func (f *FakeClient) behavior(jobID string) Behavior {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Jobs[jobID]; ok {
		return b
	}
	return f.Default
}

func (f *FakeClient) enter(d time.Duration) func() {
	f.calls.Add(1)
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if d > 0 {
		time.Sleep(d)
	}
	return func() { f.active.Add(-1) }
}

// next increments counter[jobID] and returns the number of prior calls.
func (f *FakeClient) next(counter map[string]int, jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := counter[jobID]
	counter[jobID] = n + 1
	return n
}

func failing(prior, failures int) bool {
	return failures < 0 || prior < failures
}

// Submit implements processing.Client.
func (f *FakeClient) Submit(ctx context.Context, spec jobspec.Spec) (processing.Handle, error) {
	b := f.behavior(spec.ID)
	defer f.enter(b.Delay)()

	f.mu.Lock()
	f.submitted = append(f.submitted, spec.ID)
	f.mu.Unlock()

	if failing(f.next(f.submits, spec.ID), b.SubmitFailures) {
		return processing.Handle{}, ErrScripted
	}
	return processing.Handle{ID: "remote-" + spec.ID, SubmissionID: "sub-" + spec.ID, JobID: spec.ID}, nil
}

// Poll implements processing.Client.
func (f *FakeClient) Poll(ctx context.Context, h processing.Handle) (processing.JobStatus, error) {
	b := f.behavior(h.JobID)
	defer f.enter(b.Delay)()

	n := f.next(f.polls, h.JobID)
	if failing(n, b.PollErrors) {
		return processing.JobStatus{}, ErrScripted
	}
	if b.PollErrors > 0 {
		n -= b.PollErrors
	}
	switch {
	case n < b.RunningPolls:
		return processing.JobStatus{State: processing.StateRunning}, nil
	case b.RemoteFail:
		return processing.JobStatus{State: processing.StateFailed, Message: b.RemoteMessage}, nil
	default:
		return processing.JobStatus{State: processing.StateDone}, nil
	}
}

// FetchArtifacts implements processing.Client by writing placeholder files.
func (f *FakeClient) FetchArtifacts(ctx context.Context, h processing.Handle, destDir string) ([]string, error) {
	b := f.behavior(h.JobID)
	defer f.enter(b.Delay)()

	if failing(f.next(f.fetches, h.JobID), b.FetchFailures) {
		return nil, ErrScripted
	}

	names := b.Artifacts
	if len(names) == 0 {
		names = []string{"step5_assembly.pdb"}
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(destDir, name)
		if err := os.WriteFile(p, []byte(h.JobID), 0o644); err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Calls returns the total number of adapter calls.
func (f *FakeClient) Calls() int64 { return f.calls.Load() }

// MaxConcurrent returns the highest number of simultaneous adapter calls seen.
func (f *FakeClient) MaxConcurrent() int64 { return f.maxActive.Load() }

// SubmitCount returns the number of Submit calls for jobID.
func (f *FakeClient) SubmitCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[jobID]
}

// FetchCount returns the number of FetchArtifacts calls for jobID.
func (f *FakeClient) FetchCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[jobID]
}

// Submitted returns job ids in the order Submit was first called.
func (f *FakeClient) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range f.submitted {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
