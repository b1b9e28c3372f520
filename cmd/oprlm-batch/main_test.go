package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/config"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/report"
	"oprlmbatch/internal/testutil"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// These tests replace the default slog logger and therefore do not run in parallel.

func runCLI(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"oprlm-batch"}, args...), &stdout, &stderr)
	return code, stdout.String() + stderr.String()
}

func inputDir(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range docs {
		testutil.WriteSpec(t, dir, name, content)
	}
	return dir
}

func readSummary(t *testing.T, outDir string) report.Summary {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(outDir, "*", "summary.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one summary.json under %s, got %v (err %v)", outDir, matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var s report.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	return s
}

func TestRun_UsageErrors(t *testing.T) {
	valid := inputDir(t, map[string]string{"a.yml": testutil.SpecDoc("1ABC")})

	tests := []struct {
		name string
		args []string
	}{
		{"missing input dir", nil},
		{"zero workers", []string{"--input-dir", valid, "--max-workers", "0"}},
		{"unknown backend", []string{"--input-dir", valid, "--backend", "carrier-pigeon"}},
		{"nonexistent input dir", []string{"--input-dir", filepath.Join(t.TempDir(), "missing")}},
		{"no matching files", []string{"--input-dir", valid, "--config-pattern", "*.json"}},
		{"unknown flag", []string{"--input-dir", valid, "--bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := t.TempDir()
			code, output := runCLI(t, append(tt.args, "--output-dir", out)...)
			if code != apperrors.ExitFatal {
				t.Fatalf("exit code = %d, want %d\n%s", code, apperrors.ExitFatal, output)
			}
			if matches, _ := filepath.Glob(filepath.Join(out, "*", "summary.json")); len(matches) != 0 {
				t.Errorf("fatal error should not write a summary, found %v", matches)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	code, output := runCLI(t, "--help")
	if code != apperrors.ExitOK {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(output, "--input-dir") {
		t.Errorf("help output missing --input-dir:\n%s", output)
	}
}

func TestRun_DryRunValid(t *testing.T) {
	in := inputDir(t, map[string]string{
		"a.yml": testutil.SpecDoc("1ABC"),
		"b.yml": testutil.SpecDoc("2DEF"),
	})
	out := t.TempDir()

	code, output := runCLI(t, "-i", in, "-o", out, "--user", "tester", "--dry-run")
	if code != apperrors.ExitOK {
		t.Fatalf("exit code = %d, want 0\n%s", code, output)
	}

	s := readSummary(t, out)
	if s.Total != 2 || s.Skipped != 2 || !s.DryRun {
		t.Errorf("summary = %+v, want 2 skipped dry-run jobs", s)
	}
	if !strings.HasPrefix(s.RunID, "tester_") {
		t.Errorf("RunID = %q, want tester_ prefix", s.RunID)
	}
	if _, err := os.Stat(filepath.Join(out, s.RunID, "logs", "batch.log")); err != nil {
		t.Errorf("batch.log missing: %v", err)
	}
}

func TestRun_DryRunInvalidSpec(t *testing.T) {
	in := inputDir(t, map[string]string{
		"a.yml": testutil.SpecDoc("1ABC"),
		"b.yml": "pdb_id: 2DEF\nfile_input_mode: carrier-pigeon\n",
	})
	out := t.TempDir()

	code, output := runCLI(t, "-i", in, "-o", out, "--user", "tester", "--dry-run")
	if code != apperrors.ExitFailure {
		t.Fatalf("exit code = %d, want 1\n%s", code, output)
	}

	s := readSummary(t, out)
	if s.Total != 2 {
		t.Fatalf("Total = %d, want 2", s.Total)
	}
	if got := s.Count(job.ValidationFailed); got != 1 {
		t.Errorf("ValidationFailed = %d, want 1", got)
	}
}

func TestRun_AllSpecsInvalid(t *testing.T) {
	in := inputDir(t, map[string]string{
		"bad.yml": "pdb_id: 1ABC\nfile_input_mode: searchPDB\nmembrane_config: {chol_value: 150.0}\n",
	})
	out := t.TempDir()

	code, output := runCLI(t, "-i", in, "-o", out, "--user", "tester")
	if code != apperrors.ExitFailure {
		t.Fatalf("exit code = %d, want 1\n%s", code, output)
	}

	s := readSummary(t, out)
	if s.Total != 1 || s.Skipped != 1 || s.DryRun {
		t.Fatalf("summary = total %d skipped %d dryRun %v, want 1/1/false", s.Total, s.Skipped, s.DryRun)
	}
	bad := s.Jobs[0]
	if bad.ErrorDetail != job.ValidationFailed || len(bad.Issues) == 0 || bad.Issues[0].Kind != jobspec.OutOfRange {
		t.Errorf("result = %+v, want ValidationFailed/OutOfRange", bad)
	}
}

// fakeOPRLM serves the submit, status and download endpoints of an OPRLM server.
type fakeOPRLM struct {
	mu      sync.Mutex
	failIDs map[string]bool
	submits []string
}

func (f *fakeOPRLM) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /orient", func(w http.ResponseWriter, r *http.Request) {
		id := r.FormValue("pdb_id")
		f.mu.Lock()
		f.submits = append(f.submits, id)
		f.mu.Unlock()
		writeJSON(w, map[string]string{"job_id": "remote-" + id})
	})
	mux.HandleFunc("GET /job/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.PathValue("id"), "remote-")
		f.mu.Lock()
		fail := f.failIDs[id]
		f.mu.Unlock()
		if fail {
			writeJSON(w, map[string]string{"status": "failed", "error": "membrane insertion failed"})
			return
		}
		writeJSON(w, map[string]string{"status": "completed"})
	})
	mux.HandleFunc("GET /job/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ATOM %s\n", r.PathValue("id"))
	})
	return mux
}

func (f *fakeOPRLM) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.submits)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(baseURL string) *config.BatchConfig {
	return &config.BatchConfig{
		Processing: config.ProcessingConfig{BaseURL: baseURL, HTTPTimeout: 5 * time.Second},
		Executor: config.ExecutorConfig{
			MaxSubmitRetries: 1,
			BackoffBase:      time.Millisecond,
			BackoffMax:       time.Millisecond,
			PollInterval:     5 * time.Millisecond,
			PollErrorLimit:   1,
			JobTimeout:       5 * time.Second,
		},
		Events: config.EventsConfig{BufferSize: 100, Workers: 1, Timeout: time.Second},
	}
}

func TestRunBatch_HTTPBackend(t *testing.T) {
	server := &fakeOPRLM{}
	oprlm := httptest.NewServer(server.handler())
	defer oprlm.Close()

	var (
		mu     sync.Mutex
		events []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		events = append(events, r.Header.Get("Ce-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := testConfig(oprlm.URL)
	cfg.Events.CallbackURL = hook.URL
	cfg.Events.Filter = []string{job.EventTypeRunStarted, job.EventTypeResult, job.EventTypeRunFinished}

	in := inputDir(t, map[string]string{
		"a.yml": testutil.SpecDoc("1ABC"),
		"b.yml": testutil.SpecDoc("2DEF"),
	})
	out := t.TempDir()
	var console bytes.Buffer

	err := runBatch(context.Background(), options{
		InputDir:   in,
		OutputDir:  out,
		User:       "tester",
		MaxWorkers: 2,
		Backend:    backendHTTP,
	}, cfg, &console)
	if err != nil {
		t.Fatalf("runBatch() error = %v\n%s", err, console.String())
	}

	s := readSummary(t, out)
	if s.Succeeded != 2 {
		t.Fatalf("Succeeded = %d, want 2: %+v", s.Succeeded, s.Jobs)
	}
	for _, res := range s.Jobs {
		if len(res.ArtifactPaths) != 1 {
			t.Errorf("%s artifacts = %v, want one file", res.JobID, res.ArtifactPaths)
			continue
		}
		if _, err := os.Stat(res.ArtifactPaths[0]); err != nil {
			t.Errorf("%s artifact missing: %v", res.JobID, err)
		}
	}
	if got := len(server.submitted()); got != 2 {
		t.Errorf("submits = %d, want 2", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[string]int{job.EventTypeRunStarted: 1, job.EventTypeResult: 2, job.EventTypeRunFinished: 1}
	got := make(map[string]int)
	for _, e := range events {
		got[e]++
	}
	for typ, n := range want {
		if got[typ] != n {
			t.Errorf("%s events = %d, want %d (all: %v)", typ, got[typ], n, events)
		}
	}
	if got[job.EventTypeState] != 0 {
		t.Errorf("filtered state events were delivered: %v", events)
	}
}

func TestRunBatch_FailFast(t *testing.T) {
	server := &fakeOPRLM{failIDs: map[string]bool{"1ABC": true}}
	oprlm := httptest.NewServer(server.handler())
	defer oprlm.Close()

	in := inputDir(t, map[string]string{
		"a.yml": testutil.SpecDoc("1ABC"),
		"b.yml": testutil.SpecDoc("2DEF"),
		"c.yml": testutil.SpecDoc("3GHI"),
	})
	out := t.TempDir()
	var console bytes.Buffer

	err := runBatch(context.Background(), options{
		InputDir:   in,
		OutputDir:  out,
		User:       "tester",
		MaxWorkers: 1,
		Backend:    backendHTTP,
	}, testConfig(oprlm.URL), &console)
	if code := apperrors.ExitCode(err); code != apperrors.ExitFailure {
		t.Fatalf("exit code = %d, want 1 (err %v)", code, err)
	}

	s := readSummary(t, out)
	if s.Failed != 1 || s.Count(job.CancelledByBatch) != 2 {
		t.Errorf("summary = failed %d cancelled %d, want 1 and 2", s.Failed, s.Count(job.CancelledByBatch))
	}
	if got := server.submitted(); !slices.Equal(got, []string{"1ABC"}) {
		t.Errorf("submitted = %v, want only 1ABC", got)
	}
}

func TestRunBatch_PreflightFails(t *testing.T) {
	oprlm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer oprlm.Close()

	in := inputDir(t, map[string]string{"a.yml": testutil.SpecDoc("1ABC")})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := runBatch(ctx, options{
		InputDir:   in,
		OutputDir:  t.TempDir(),
		User:       "tester",
		MaxWorkers: 1,
		Backend:    backendHTTP,
	}, testConfig(oprlm.URL), &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected preflight error")
	}
}

func TestRunBatch_MetricsEndpoint(t *testing.T) {
	server := &fakeOPRLM{}
	oprlm := httptest.NewServer(server.handler())
	defer oprlm.Close()

	in := inputDir(t, map[string]string{"a.yml": testutil.SpecDoc("1ABC")})
	err := runBatch(context.Background(), options{
		InputDir:    in,
		OutputDir:   t.TempDir(),
		User:        "tester",
		MaxWorkers:  1,
		Backend:     backendHTTP,
		MetricsAddr: "127.0.0.1:0",
	}, testConfig(oprlm.URL), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("runBatch() error = %v", err)
	}
}
