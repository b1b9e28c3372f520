// Package container is a processing adapter that runs the OPRLM browser
// automation image once per job on the local Docker daemon.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"oprlmbatch/internal/artifact"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/processing"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	outputDir = "/output"
	inputDir  = "/input"
	managedBy = "oprlm-batch"
)

// Config holds configuration for the Docker adapter.
type Config struct {
	Image   string
	RunID   string // labels containers so a run can be identified
	Options processing.Options
}

// Client implements processing.Client with one container per job.
type Client struct {
	docker  *client.Client
	image   string
	runID   string
	opts    processing.Options
	logger  *slog.Logger
	pullMu  sync.Mutex
	pulled  bool
	mu      sync.Mutex
	created map[string]string // container id -> job id
}

var (
	_ processing.Client           = (*Client)(nil)
	_ processing.ReadinessChecker = (*Client)(nil)
)

// New connects to the Docker daemon configured in the environment.
func New(cfg Config) (*Client, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{
		docker:  dockerClient,
		image:   cfg.Image,
		runID:   cfg.RunID,
		opts:    cfg.Options,
		logger:  slog.With("component", "container"),
		created: make(map[string]string),
	}, nil
}

// Ready pings the daemon.
func (c *Client) Ready(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unavailable: %w", err)
	}
	return nil
}

// Submit creates and starts the automation container for spec.
func (c *Client) Submit(ctx context.Context, spec jobspec.Spec) (processing.Handle, error) {
	if err := c.ensureImage(ctx); err != nil {
		return processing.Handle{}, fmt.Errorf("failed to pull image: %w", err)
	}

	submissionID := uuid.NewString()
	cfg, hostCfg, err := c.containerConfig(spec, submissionID)
	if err != nil {
		return processing.Handle{}, err
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(spec.ID, submissionID))
	if err != nil {
		return processing.Handle{}, fmt.Errorf("failed to create container: %w", err)
	}
	c.track(resp.ID, spec.ID)

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.remove(ctx, resp.ID)
		return processing.Handle{}, fmt.Errorf("failed to start container: %w", err)
	}

	c.logger.Debug("Started container", "jobId", spec.ID, "containerId", resp.ID)
	return processing.Handle{ID: resp.ID, SubmissionID: submissionID, JobID: spec.ID}, nil
}

// Poll maps the container state. Failed containers are removed immediately.
func (c *Client) Poll(ctx context.Context, h processing.Handle) (processing.JobStatus, error) {
	inspect, err := c.docker.ContainerInspect(ctx, h.ID)
	if err != nil {
		return processing.JobStatus{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.State == nil {
		return processing.JobStatus{State: processing.StatePending}, nil
	}

	st := mapState(inspect.State.Status, inspect.State.Running, inspect.State.ExitCode, inspect.State.Error)
	if st.State == processing.StateFailed {
		c.remove(ctx, h.ID)
	}
	return st, nil
}

// FetchArtifacts copies /output out of the container, then removes it.
func (c *Client) FetchArtifacts(ctx context.Context, h processing.Handle, destDir string) ([]string, error) {
	rc, _, err := c.docker.CopyFromContainer(ctx, h.ID, outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to copy output: %w", err)
	}
	defer rc.Close()

	files, err := artifact.ExtractTar(rc, destDir, true)
	if err != nil {
		return files, err
	}
	c.remove(ctx, h.ID)
	return files, nil
}

// Close removes containers this client created that are still present.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.created))
	for id := range c.created {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.remove(ctx, id)
	}
	return c.docker.Close()
}

func (c *Client) containerConfig(spec jobspec.Spec, submissionID string) (*container.Config, *container.HostConfig, error) {
	hostCfg := &container.HostConfig{}

	if spec.InputMode == jobspec.InputUpload {
		abs, err := filepath.Abs(spec.SourcePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve upload path: %w", err)
		}
		target := inputDir + "/" + filepath.Base(abs)
		hostCfg.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   abs,
			Target:   target,
			ReadOnly: true,
		}}
		spec.SourcePath = target
	}

	env, err := containerEnv(spec, c.opts)
	if err != nil {
		return nil, nil, err
	}

	return &container.Config{
		Image: c.image,
		Env:   env,
		Labels: map[string]string{
			"job.id":        spec.ID,
			"submission.id": submissionID,
			"run.id":        c.runID,
			"managed-by":    managedBy,
		},
	}, hostCfg, nil
}

func containerEnv(spec jobspec.Spec, opts processing.Options) ([]string, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}
	email := spec.Email
	if email == "" {
		email = opts.Email
	}
	return []string{
		"JOB_SPEC=" + string(specJSON),
		"OUTPUT_DIR=" + outputDir,
		"HEADLESS=" + strconv.FormatBool(opts.Headless),
		"OPRLM_EMAIL=" + email,
	}, nil
}

func containerName(jobID, submissionID string) string {
	short := submissionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("oprlm-%s-%s", jobID, short)
}

func mapState(status string, running bool, exitCode int, errMsg string) processing.JobStatus {
	switch {
	case running:
		return processing.JobStatus{State: processing.StateRunning}
	case status == "created" || status == "restarting":
		return processing.JobStatus{State: processing.StatePending}
	case exitCode == 0 && status == "exited":
		return processing.JobStatus{State: processing.StateDone}
	default:
		msg := errMsg
		if msg == "" {
			msg = fmt.Sprintf("container %s with exit code %d", status, exitCode)
		}
		return processing.JobStatus{State: processing.StateFailed, Message: msg}
	}
}

func (c *Client) ensureImage(ctx context.Context) error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()
	if c.pulled {
		return nil
	}

	if _, err := c.docker.ImageInspect(ctx, c.image); err != nil {
		c.logger.Info("Pulling image", "image", c.image)
		reader, err := c.docker.ImagePull(ctx, c.image, image.PullOptions{})
		if err != nil {
			return err
		}
		defer reader.Close()
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return err
		}
	}
	c.pulled = true
	return nil
}

func (c *Client) track(id, jobID string) {
	c.mu.Lock()
	c.created[id] = jobID
	c.mu.Unlock()
}

func (c *Client) remove(ctx context.Context, id string) {
	if err := c.docker.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true}); err != nil {
		c.logger.Warn("Failed to remove container", "containerId", id, "error", err)
	}
	c.mu.Lock()
	delete(c.created, id)
	c.mu.Unlock()
}
