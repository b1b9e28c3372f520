//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"oprlmbatch/internal/config"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/processing"
	"oprlmbatch/internal/processing/oprlm"
	"oprlmbatch/internal/report"
	"oprlmbatch/internal/scheduler"
	"oprlmbatch/internal/testutil"
	"oprlmbatch/pkg/circuitbreaker"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// oprlmURL returns the OPRLM server used by the tests.
// If E2E_OPRLM_URL is set, tests run against that instance.
// Otherwise, a local fake server is started.
func oprlmURL(t testing.TB, polls int) string {
	if url := os.Getenv("E2E_OPRLM_URL"); url != "" {
		t.Logf("Using external OPRLM server: %s", url)
		return url
	}
	server := httptest.NewServer(newFakeServer(polls))
	t.Cleanup(server.Close)
	return server.URL
}

// newFakeServer reports each job RUNNING for polls status calls before completing it.
func newFakeServer(polls int) http.Handler {
	var (
		submitted atomic.Int64
		mu        sync.Mutex
		counts    = make(map[string]*atomic.Int64)
	)
	counter := func(id string) *atomic.Int64 {
		mu.Lock()
		defer mu.Unlock()
		c, ok := counts[id]
		if !ok {
			c = &atomic.Int64{}
			counts[id] = c
		}
		return c
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /orient", func(w http.ResponseWriter, r *http.Request) {
		id := r.FormValue("pdb_id")
		if id == "" {
			http.Error(w, "pdb_id required", http.StatusBadRequest)
			return
		}
		n := submitted.Add(1)
		writeJSON(w, map[string]string{"job_id": fmt.Sprintf("%s-%d", id, n)})
	})
	mux.HandleFunc("GET /job/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if counter(id).Add(1) <= int64(polls) {
			writeJSON(w, map[string]string{"status": "running"})
			return
		}
		if strings.HasPrefix(id, "FAIL") {
			writeJSON(w, map[string]string{"status": "failed", "error": "membrane insertion failed"})
			return
		}
		writeJSON(w, map[string]string{"status": "completed"})
	})
	mux.HandleFunc("GET /job/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_aligned.pdb"`, r.PathValue("id")))
		fmt.Fprintf(w, "ATOM %s\n", r.PathValue("id"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(baseURL string) *oprlm.Client {
	return oprlm.New(oprlm.Config{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
		Options: processing.Options{Headless: true, Email: "e2e@example.org"},
		Breaker: circuitbreaker.DefaultConfig(),
	})
}

func fastPolicy() job.Policy {
	return job.PolicyFromConfig(config.ExecutorConfig{
		MaxSubmitRetries: 2,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       100 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		PollErrorLimit:   3,
		JobTimeout:       time.Minute,
	})
}

// writeSpecs writes one job document per id and loads them back.
func writeSpecs(t testing.TB, ids ...string) []jobspec.Entry {
	dir := t.TempDir()
	for _, id := range ids {
		testutil.WriteSpec(t, dir, id+".yml", testutil.SpecDoc(id))
	}
	entries, err := (&jobspec.Loader{Dir: dir}).Load()
	if err != nil {
		t.Fatalf("Failed to load specs: %v", err)
	}
	return entries
}

// runBatch schedules entries against client and returns the summary.
func runBatch(t testing.TB, client processing.Client, entries []jobspec.Entry, cfg scheduler.Config, observer job.Observer) (report.Summary, string, error) {
	root := t.TempDir()
	reporter := report.New(report.Config{RunID: "e2e_" + time.Now().Format("20060102_150405"), Root: root, StartedAt: time.Now()})
	reporter.Plan(entries)

	sched, err := scheduler.New(cfg, job.NewExecutor(client, fastPolicy(), root, observer), reporter)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	summary, err := sched.Run(context.Background(), jobspec.ValidSpecs(entries))
	return summary, root, err
}
