//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"oprlmbatch/internal/dispatcher"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/layout"
	"oprlmbatch/internal/observability"
	"oprlmbatch/internal/scheduler"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatch_Readiness(t *testing.T) {
	client := newClient(oprlmURL(t, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ready(ctx); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
}

func TestBatch_AllJobsSucceed(t *testing.T) {
	client := newClient(oprlmURL(t, 2))
	entries := writeSpecs(t, "1ABC", "2DEF", "3GHI")

	summary, root, err := runBatch(t, client, entries, scheduler.Config{Concurrency: 2}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Succeeded != 3 {
		t.Fatalf("Succeeded = %d, want 3: %+v", summary.Succeeded, summary.Jobs)
	}

	for i, res := range summary.Jobs {
		if res.JobID != entries[i].Spec.ID {
			t.Errorf("Jobs[%d] = %s, want input order %s", i, res.JobID, entries[i].Spec.ID)
		}
		if len(res.ArtifactPaths) == 0 {
			t.Errorf("%s has no artifacts", res.JobID)
		}
		if _, err := os.Stat(layout.MetadataPath(layout.JobDirFor(root, res.JobID))); err != nil {
			t.Errorf("%s metadata.json missing: %v", res.JobID, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, layout.SummaryFile)); err != nil {
		t.Errorf("summary.json missing: %v", err)
	}
}

func TestBatch_RemoteFailureContinueOnError(t *testing.T) {
	client := newClient(oprlmURL(t, 0))
	entries := writeSpecs(t, "1ABC", "FAIL", "3GHI")

	summary, _, err := runBatch(t, client, entries, scheduler.Config{Concurrency: 1, ContinueOnError: true}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %d succeeded, %d failed; want 2 and 1", summary.Succeeded, summary.Failed)
	}
	if got := summary.Jobs[1].ErrorDetail; got != job.RemoteJobFailed {
		t.Errorf("FAIL errorDetail = %s, want %s", got, job.RemoteJobFailed)
	}
	if summary.Err() == nil {
		t.Error("expected summary error for a failed job")
	}
}

func TestBatch_ConcurrentJobsWithEvents(t *testing.T) {
	const total = 40

	var (
		mu       sync.Mutex
		received = make(map[string]int)
	)
	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received[r.Header.Get("Ce-Type")]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	ctx := context.Background()
	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	defer metrics.Shutdown(ctx)

	d := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 10000, Workers: 8}, metrics,
		dispatcher.NewWebhookSink(callbackServer.URL, "e2e-key", 5*time.Second))
	publisher := dispatcher.NewPublisher(d, "e2e", "oprlm-batch-e2e", nil)

	var active, peak atomic.Int64
	track := job.ObserverFunc(func(_ string, from, to job.State) {
		switch {
		case from == job.StatePending && to == job.StateSubmitting:
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
		case to.Terminal():
			active.Add(-1)
		}
	})

	ids := make([]string, total)
	for i := range ids {
		ids[i] = fmt.Sprintf("%dXYZ", 1000+i)
	}
	entries := writeSpecs(t, ids...)

	publisher.RunStarted(total, false)
	summary, _, err := runBatch(t, newClient(oprlmURL(t, 3)), entries, scheduler.Config{Concurrency: 8},
		job.Observers(publisher, metrics, track))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, res := range summary.Jobs {
		publisher.OnResult(res)
	}
	publisher.RunFinished(summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)

	if summary.Succeeded != total {
		t.Fatalf("Succeeded = %d, want %d", summary.Succeeded, total)
	}
	if got := peak.Load(); got > 8 {
		t.Errorf("peak concurrency = %d, want <= 8", got)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	stats := d.Stats()
	t.Logf("Delivered %d events, %d failed, %d dropped", stats.Delivered, stats.Failed, stats.Dropped)

	mu.Lock()
	defer mu.Unlock()
	if received[job.EventTypeResult] != total {
		t.Errorf("result events = %d, want %d", received[job.EventTypeResult], total)
	}
	if received[job.EventTypeRunStarted] != 1 || received[job.EventTypeRunFinished] != 1 {
		t.Errorf("run events = %v", received)
	}
	if received[job.EventTypeState] < total {
		t.Errorf("state events = %d, want at least one per job", received[job.EventTypeState])
	}
}

// BenchmarkBatch measures end-to-end throughput against the fake server.
// Run with: go test -tags=e2e -run=^$ -bench=BenchmarkBatch ./e2e/
func BenchmarkBatch(b *testing.B) {
	client := newClient(oprlmURL(b, 1))
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("%dBNC", 1000+i)
	}
	entries := writeSpecs(b, ids...)

	b.ResetTimer()
	for b.Loop() {
		if _, _, err := runBatch(b, client, entries, scheduler.Config{Concurrency: 4}, nil); err != nil {
			b.Fatalf("Run() error = %v", err)
		}
	}
}
