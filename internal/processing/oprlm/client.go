// Package oprlm is a processing adapter for the OPRLM orientation HTTP service.
package oprlm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"oprlmbatch/internal/artifact"
	"oprlmbatch/internal/jobspec"
	"oprlmbatch/internal/processing"
	"oprlmbatch/pkg/circuitbreaker"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config configures the HTTP adapter.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Options processing.Options
	Breaker circuitbreaker.Config
}

// Client talks to the OPRLM server. Requests fail fast with
// circuitbreaker.ErrOpen after repeated server-side failures.
type Client struct {
	baseURL string
	http    *http.Client
	opts    processing.Options
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var (
	_ processing.Client           = (*Client)(nil)
	_ processing.ReadinessChecker = (*Client)(nil)
)

// New creates a client for cfg.BaseURL.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := slog.With("component", "oprlm")
	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("Circuit breaker state change", "from", from.String(), "to", to.String())
	})
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		opts:    cfg.Options,
		breaker: breaker,
		logger:  logger,
	}
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Submit posts the job to /orient as a multipart form.
func (c *Client) Submit(ctx context.Context, spec jobspec.Spec) (processing.Handle, error) {
	body, contentType, err := c.encodeSubmission(spec)
	if err != nil {
		return processing.Handle{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orient", body)
	if err != nil {
		return processing.Handle{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	submissionID := uuid.NewString()
	req.Header.Set("X-Request-Id", submissionID)

	var out submitResponse
	if err := c.doJSON(req, "submit", &out); err != nil {
		return processing.Handle{}, err
	}
	if out.JobID == "" {
		return processing.Handle{}, fmt.Errorf("submit: response has no job_id")
	}

	c.logger.Debug("Submitted job", "jobId", spec.ID, "remoteId", out.JobID, "submissionId", submissionID)
	return processing.Handle{ID: out.JobID, SubmissionID: submissionID, JobID: spec.ID}, nil
}

// Poll reads /job/{id}.
func (c *Client) Poll(ctx context.Context, h processing.Handle) (processing.JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(h, ""), http.NoBody)
	if err != nil {
		return processing.JobStatus{}, fmt.Errorf("failed to create request: %w", err)
	}

	var out statusResponse
	if err := c.doJSON(req, "poll", &out); err != nil {
		return processing.JobStatus{}, err
	}
	return processing.JobStatus{State: mapStatus(out.Status), Message: out.Error}, nil
}

// FetchArtifacts downloads the aligned structure from /job/{id}/download into
// destDir. The file takes the server's Content-Disposition name when one is
// sent, and {jobId}_aligned.pdb otherwise.
func (c *Client) FetchArtifacts(ctx context.Context, h processing.Handle, destDir string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(h, "/download"), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.do(req, "download")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	dest, err := artifact.SafeJoin(destDir, artifactName(resp.Header.Get("Content-Disposition"), h))
	if err != nil {
		return nil, err
	}
	if _, err := artifact.Save(resp.Body, dest); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return []string{dest}, nil
}

func artifactName(disposition string, h processing.Handle) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	id := h.JobID
	if id == "" {
		id = h.ID
	}
	return id + "_aligned.pdb"
}

// Ready checks that the server answers at all.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("oprlm server unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &StatusError{Op: "ready", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) encodeSubmission(spec jobspec.Spec) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	email := spec.Email
	if email == "" {
		email = c.opts.Email
	}
	options, err := json.Marshal(requestOptions(spec))
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode options: %w", err)
	}

	fields := [][2]string{
		{"pdb_id", spec.ID},
		{"file_input_mode", string(spec.InputMode)},
		{"email", email},
		{"options", string(options)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if spec.InputMode == jobspec.InputUpload {
		if err := attachFile(mw, spec.SourcePath); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func attachFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to copy upload: %w", err)
	}
	return nil
}

// doJSON sends req through the breaker and decodes a 2xx JSON body into out.
func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// do sends req through the breaker and returns the response for a 2xx status.
// 4xx responses do not count against the breaker.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", op, circuitbreaker.ErrOpen)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

func (c *Client) jobURL(h processing.Handle, suffix string) string {
	return c.baseURL + "/job/" + url.PathEscape(h.ID) + suffix
}

func mapStatus(s string) processing.State {
	switch strings.ToLower(s) {
	case "completed", "complete", "done", "success":
		return processing.StateDone
	case "failed", "error":
		return processing.StateFailed
	case "running", "processing", "started":
		return processing.StateRunning
	default:
		return processing.StatePending
	}
}
