// oprlm-batch submits a directory of OPRLM job documents to the processing
// backend, downloads the results and writes a run summary.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"oprlmbatch/internal/apperrors"
	"oprlmbatch/internal/config"
	"oprlmbatch/internal/jobspec"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var version = "dev"

func init() {
	// -v is taken by --verbose
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Usage: "print the version"}
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		// a second signal terminates immediately
		stop()
	}()

	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		ran    bool
		runErr error
	)

	app := &cli.App{
		Name:      "oprlm-batch",
		Usage:     "Run OPRLM membrane-embedding jobs in batch",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     flags(),
		Action: func(c *cli.Context) error {
			ran = true
			runErr = runBatch(c.Context, optionsFrom(c), config.LoadBatchConfig(), stderr)
			return nil
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}

	if err := app.RunContext(ctx, args); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return apperrors.ExitFatal
	}
	if !ran {
		return apperrors.ExitOK // --help or --version
	}
	if runErr != nil {
		if errors.Is(runErr, apperrors.ErrFatal) || errors.Is(runErr, apperrors.ErrInternal) {
			slog.Error("Batch aborted", "error", runErr)
		}
	}
	return apperrors.ExitCode(runErr)
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "input-dir",
			Aliases:  []string{"i"},
			Usage:    "directory containing job documents",
			EnvVars:  []string{"OPRLM_INPUT_DIR"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "output-dir",
			Aliases: []string{"o"},
			Usage:   "directory that receives the run folder",
			Value:   "output",
			EnvVars: []string{"OPRLM_OUTPUT_DIR"},
		},
		&cli.StringFlag{
			Name:  "user",
			Usage: "user tag used in the run folder name",
			Value: currentUser(),
		},
		&cli.StringFlag{
			Name:  "config-pattern",
			Usage: "glob (or comma-separated globs) selecting job documents",
			Value: jobspec.DefaultPattern,
		},
		&cli.IntFlag{
			Name:    "max-workers",
			Aliases: []string{"w"},
			Usage:   "jobs processed concurrently",
			Value:   1,
			EnvVars: []string{"OPRLM_MAX_WORKERS"},
		},
		&cli.BoolFlag{
			Name:  "headless",
			Usage: "run the processing backend without a visible browser",
		},
		&cli.BoolFlag{
			Name:  "continue-on-error",
			Usage: "keep running remaining jobs after a job fails",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "validate job documents without submitting anything",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "log every job state transition",
		},
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "processing backend: http or docker",
			Value:   backendHTTP,
			EnvVars: []string{"OPRLM_BACKEND"},
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "serve Prometheus metrics on this address during the run",
			EnvVars: []string{"METRICS_ADDR"},
		},
	}
}

func optionsFrom(c *cli.Context) options {
	return options{
		InputDir:        c.String("input-dir"),
		OutputDir:       c.String("output-dir"),
		User:            c.String("user"),
		Pattern:         c.String("config-pattern"),
		MaxWorkers:      c.Int("max-workers"),
		Headless:        c.Bool("headless"),
		ContinueOnError: c.Bool("continue-on-error"),
		DryRun:          c.Bool("dry-run"),
		Verbose:         c.Bool("verbose"),
		Backend:         c.String("backend"),
		MetricsAddr:     c.String("metrics-addr"),
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "user"
}
