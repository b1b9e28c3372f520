// Package mirror copies the artifacts of succeeded jobs into an
// S3-compatible bucket.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"oprlmbatch/internal/config"
	"oprlmbatch/internal/job"
	"oprlmbatch/internal/layout"
	"oprlmbatch/internal/report"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectStore is the subset of *minio.Client used here.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Mirror uploads run outputs under <runId>/<jobId>/<file>.
type Mirror struct {
	store  objectStore
	bucket string
	region string
	logger *slog.Logger
}

// Validate checks the settings needed to reach the bucket.
func Validate(cfg config.MirrorConfig) error {
	if cfg.Endpoint == "" {
		return errors.New("MIRROR_ENDPOINT is required")
	}
	if cfg.Bucket == "" {
		return errors.New("MIRROR_BUCKET is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return errors.New("MIRROR_ACCESS_KEY and MIRROR_SECRET_KEY are required")
	}
	return nil
}

// New creates a mirror backed by a MinIO client.
func New(cfg config.MirrorConfig) (*Mirror, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newMirror(client, cfg.Bucket, cfg.Region), nil
}

func newMirror(store objectStore, bucket, region string) *Mirror {
	return &Mirror{
		store:  store,
		bucket: bucket,
		region: region,
		logger: slog.With("component", "mirror", "bucket", bucket),
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (m *Mirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.store.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.store.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", m.bucket, err)
	}
	m.logger.Info("Bucket created")
	return nil
}

// UploadRun uploads every succeeded job's artifacts and summary.json.
// It keeps going after a failed upload and returns all errors joined.
func (m *Mirror) UploadRun(ctx context.Context, root string, summary report.Summary) error {
	var errs []error
	uploaded := 0
	for _, res := range summary.Jobs {
		if res.State != job.StateSucceeded {
			continue
		}
		n, err := m.UploadJob(ctx, summary.RunID, res)
		uploaded += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	key := path.Join(summary.RunID, layout.SummaryFile)
	if err := m.put(ctx, key, layout.SummaryPath(root)); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("Run mirrored", "runId", summary.RunID, "objects", uploaded, "errors", len(errs))
	return errors.Join(errs...)
}

// UploadJob uploads one job's artifact files and returns how many succeeded.
func (m *Mirror) UploadJob(ctx context.Context, runID string, res job.Result) (int, error) {
	var errs []error
	n := 0
	for _, p := range res.ArtifactPaths {
		key := ObjectKey(runID, res.JobID, relName(res.ArtifactDir, p))
		if err := m.put(ctx, key, p); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (m *Mirror) put(ctx context.Context, key, filePath string) error {
	info, err := m.store.FPutObject(ctx, m.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType(filePath),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	m.logger.Debug("Object uploaded", "key", key, "size", info.Size)
	return nil
}

// relName keys an artifact on its path below the job's artifact dir, falling
// back to the base name for files outside it.
func relName(dir, p string) string {
	if dir != "" {
		if rel, err := filepath.Rel(dir, p); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(p)
}

// ObjectKey returns the bucket key of one artifact.
func ObjectKey(runID, jobID, name string) string {
	return path.Join(runID, jobID, name)
}

func contentType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return "application/json"
	case strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar.gz"):
		return "application/gzip"
	case strings.HasSuffix(lower, ".pdb"):
		return "chemical/x-pdb"
	default:
		return "application/octet-stream"
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
