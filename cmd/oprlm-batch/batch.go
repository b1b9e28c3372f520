package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/config"
	"oprlmbatch/internal/dispatcher"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/layout"
	"oprlmbatch/internal/mirror"
	"oprlmbatch/internal/observability"
	"oprlmbatch/internal/processing"
	"oprlmbatch/internal/processing/container"
	"oprlmbatch/internal/processing/oprlm"
	"oprlmbatch/internal/report"
	"oprlmbatch/internal/scheduler"
	"oprlmbatch/internal/store/postgres"
	"oprlmbatch/pkg/backoff"
	"oprlmbatch/pkg/circuitbreaker"
	"time"
)

const (
	backendHTTP   = "http"
	backendDocker = "docker"

	eventSource      = "oprlm-batch"
	preflightTimeout = 30 * time.Second
	finishTimeout    = 2 * time.Minute
)

// options are the command-line settings of one run.
type options struct {
	InputDir        string
	OutputDir       string
	User            string
	Pattern         string
	MaxWorkers      int
	Headless        bool
	ContinueOnError bool
	DryRun          bool
	Verbose         bool
	Backend         string
	MetricsAddr     string
}

// runBatch performs one complete run. Fatal errors return before anything is
// scheduled; otherwise the summary is always written and its outcome decides
// the returned error.
func runBatch(ctx context.Context, opts options, cfg *config.BatchConfig, console io.Writer) error {
	startup, _, _ := observability.NewLogger(observability.LogConfig{Console: console, Verbose: opts.Verbose})
	slog.SetDefault(startup)

	schedCfg := scheduler.Config{
		Concurrency:     opts.MaxWorkers,
		ContinueOnError: opts.ContinueOnError,
		DryRun:          opts.DryRun,
	}
	if err := schedCfg.Validate(); err != nil {
		return err
	}
	if opts.Backend != backendHTTP && opts.Backend != backendDocker {
		return apperrors.Fatal("backend", fmt.Sprintf("unknown backend %q, want %s or %s", opts.Backend, backendHTTP, backendDocker))
	}

	// entries are logged once the run log files exist
	loader := &jobspec.Loader{Dir: opts.InputDir, Pattern: opts.Pattern, Logger: slog.New(slog.DiscardHandler)}
	entries, err := loader.Load()
	if err != nil {
		return err
	}
	specs := jobspec.ValidSpecs(entries)

	started := time.Now()
	runID := layout.RunID(opts.User, started)
	root := layout.RootFor(opts.OutputDir, opts.User, started)
	if err := layout.Ensure(root); err != nil {
		return apperrors.FatalCause("output", err)
	}

	logger, closeLogs, err := observability.NewLogger(observability.LogConfig{
		Console: console,
		Dir:     layout.LogsDir(root),
		Verbose: opts.Verbose,
	})
	if err != nil {
		return apperrors.FatalCause("logs", err)
	}
	defer closeLogs()
	slog.SetDefault(logger.With("runId", runID))
	jobspec.LogEntries(slog.Default(), entries)

	slog.Info("Run starting",
		"input", opts.InputDir,
		"output", root,
		"files", len(entries),
		"valid", len(specs),
		"workers", opts.MaxWorkers,
		"backend", opts.Backend,
		"dryRun", opts.DryRun,
	)

	var client processing.Client
	if !opts.DryRun && len(specs) > 0 {
		c, closeClient, err := newBackend(opts, cfg, runID)
		if err != nil {
			return apperrors.FatalCause("backend", err)
		}
		defer closeClient()
		if err := preflight(ctx, c); err != nil {
			return err
		}
		client = c
	}

	var metrics *observability.Metrics
	if opts.MetricsAddr != "" {
		m, stopServer, err := serveMetrics(ctx, opts.MetricsAddr)
		if err != nil {
			return apperrors.FatalCause("metrics", err)
		}
		defer stopServer()
		m.RecordWorkers(ctx, opts.MaxWorkers)
		metrics = m
	}

	events := newEvents(cfg.Events, metrics)
	var publisher *dispatcher.Publisher
	if events != nil {
		publisher = dispatcher.NewPublisher(events, runID, eventSource, cfg.Events.Filter)
		defer closeEvents(events)
	}

	reporter := report.New(report.Config{RunID: runID, Root: root, StartedAt: started, DryRun: opts.DryRun})
	reporter.Plan(entries)

	var observers []job.Observer
	if metrics != nil {
		observers = append(observers, metrics)
	}
	if publisher != nil {
		observers = append(observers, publisher)
	}

	var runner scheduler.Runner
	if client != nil {
		runner = job.NewExecutor(client, job.PolicyFromConfig(cfg.Executor), root, job.Observers(observers...))
	}
	sched, err := scheduler.New(schedCfg, runner, reporter)
	if err != nil {
		return err
	}
	if metrics != nil {
		sched.OnResult(func(r job.Result) { metrics.RecordJobResult(ctx, r) })
	}
	if publisher != nil {
		sched.OnResult(publisher.OnResult)
		publisher.RunStarted(len(entries), opts.DryRun)
	}

	summary, runErr := sched.Run(ctx, specs)

	if publisher != nil {
		publisher.RunFinished(summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)
	}
	if metrics != nil {
		metrics.RecordRun(ctx, summary.Succeeded, summary.Failed, summary.Skipped, summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	}
	if !opts.DryRun {
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		persist(finishCtx, cfg.Store, summary)
		mirrorRun(finishCtx, cfg.Mirror, root, summary)
		cancel()
	}

	printSummary(console, root, summary)

	if runErr != nil {
		return runErr
	}
	return summary.Err()
}

// newBackend builds the processing client and its cleanup.
func newBackend(opts options, cfg *config.BatchConfig, runID string) (processing.Client, func(), error) {
	procOpts := processing.Options{Headless: opts.Headless, Email: cfg.Processing.Email}
	switch opts.Backend {
	case backendDocker:
		c, err := container.New(container.Config{Image: cfg.Processing.Image, RunID: runID, Options: procOpts})
		if err != nil {
			return nil, nil, err
		}
		return c, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.Close(ctx); err != nil {
				slog.Warn("Failed to clean up containers", "error", err)
			}
		}, nil
	default:
		c := oprlm.New(oprlm.Config{
			BaseURL: cfg.Processing.BaseURL,
			Timeout: cfg.Processing.HTTPTimeout,
			Options: procOpts,
			Breaker: circuitbreaker.DefaultConfig(),
		})
		return c, func() {}, nil
	}
}

// preflight checks backend readiness, retrying briefly before giving up.
func preflight(ctx context.Context, c processing.Client) error {
	rc, ok := c.(processing.ReadinessChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	policy := backoff.Policy{Base: time.Second, Max: 8 * time.Second}
	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = rc.Ready(ctx); lastErr == nil {
			slog.Info("Processing backend ready")
			return nil
		}
		slog.Warn("Processing backend not ready", "attempt", attempt, "error", lastErr)
		if err := policy.Wait(ctx, attempt); err != nil {
			break
		}
	}
	if parent := context.Cause(ctx); errors.Is(parent, context.Canceled) {
		return apperrors.Cancelled(parent)
	}
	return apperrors.FatalCause("preflight", lastErr)
}

func serveMetrics(ctx context.Context, addr string) (*observability.Metrics, func(), error) {
	metrics, handler, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return metrics, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
		_ = metrics.Shutdown(shutdownCtx)
	}, nil
}

// newEvents returns nil when no sink is configured.
func newEvents(cfg config.EventsConfig, metrics *observability.Metrics) dispatcher.Dispatcher {
	var sinks []dispatcher.Sink
	if cfg.CallbackURL != "" {
		sinks = append(sinks, dispatcher.NewWebhookSink(cfg.CallbackURL, cfg.CallbackKey, cfg.Timeout))
	}
	if cfg.NATSURL != "" {
		sink, err := dispatcher.NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			slog.Warn("NATS events disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if len(sinks) == 0 {
		return nil
	}

	var recorder dispatcher.MetricsRecorder
	if metrics != nil {
		recorder = metrics
	}
	return dispatcher.NewMemory(dispatcher.ConfigFromEvents(cfg), recorder, sinks...)
}

func closeEvents(d dispatcher.Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		slog.Warn("Event dispatcher shutdown error", "error", err)
	}
}

// persist stores the summary when a database is configured. Failures are logged only.
func persist(ctx context.Context, cfg config.StoreConfig, summary report.Summary) {
	if cfg.DatabaseURL == "" {
		return
	}
	db, err := postgres.Open(ctx, postgres.ConfigFromStore(cfg))
	if err != nil {
		slog.Warn("Run history disabled", "error", err)
		return
	}
	store := postgres.NewRunStore(db)
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		slog.Warn("Failed to prepare run history", "error", err)
		return
	}
	if err := store.SaveRun(ctx, summary); err != nil {
		slog.Warn("Failed to save run history", "error", err)
	}
}

// mirrorRun uploads artifacts when a bucket is configured. Failures are logged only.
func mirrorRun(ctx context.Context, cfg config.MirrorConfig, root string, summary report.Summary) {
	if cfg.Endpoint == "" {
		return
	}
	m, err := mirror.New(cfg)
	if err != nil {
		slog.Warn("Artifact mirror disabled", "error", err)
		return
	}
	if err := m.EnsureBucket(ctx); err != nil {
		slog.Warn("Artifact mirror unavailable", "error", err)
		return
	}
	if err := m.UploadRun(ctx, root, summary); err != nil {
		slog.Warn("Artifact mirror incomplete", "error", err)
	}
}

func printSummary(w io.Writer, root string, s report.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s\n", s.RunID)
	fmt.Fprintf(w, "  Total:     %d\n", s.Total)
	fmt.Fprintf(w, "  Succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(w, "  Failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "  Skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  Success:   %.1f%%\n", s.SuccessRate())
	fmt.Fprintf(w, "  Output:    %s\n", root)
}
