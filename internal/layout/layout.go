// Package layout derives the deterministic on-disk layout of a batch run.
//
//	{user}_{YYYYMMDD_HHMMSS}/
//	  {jobId}/metadata.json
//	  logs/batch.log
//	  logs/errors.log
//	  summary.json
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TimestampFormat is the run-id timestamp layout.
const TimestampFormat = "20060102_150405"

// File and directory names inside a run root.
const (
	LogsDirName   = "logs"
	BatchLog      = "batch.log"
	ErrorsLog     = "errors.log"
	SummaryFile   = "summary.json"
	MetadataFile  = "metadata.json"
	dirPermission = 0o755
)

// RunID returns "{user}_{timestamp}".
func RunID(user string, ts time.Time) string {
	return fmt.Sprintf("%s_%s", user, ts.Format(TimestampFormat))
}

// RootFor returns the run root under base. The same inputs always yield the same path.
func RootFor(base, user string, ts time.Time) string {
	return filepath.Join(base, RunID(user, ts))
}

// JobDirFor returns the artifact directory for a job.
func JobDirFor(root, jobID string) string {
	return filepath.Join(root, jobID)
}

// ArtifactDir returns override when set, resolving relative overrides against
// root, and JobDirFor(root, jobID) otherwise.
func ArtifactDir(root, jobID, override string) string {
	switch {
	case override == "":
		return JobDirFor(root, jobID)
	case filepath.IsAbs(override):
		return filepath.Clean(override)
	default:
		return filepath.Join(root, override)
	}
}

// LogsDir returns root/logs.
func LogsDir(root string) string { return filepath.Join(root, LogsDirName) }

// SummaryPath returns root/summary.json.
func SummaryPath(root string) string { return filepath.Join(root, SummaryFile) }

// MetadataPath returns the metadata file inside a job directory.
func MetadataPath(jobDir string) string { return filepath.Join(jobDir, MetadataFile) }

// Ensure creates path and its parents. It succeeds if path is already a
// directory and fails if path exists as anything else.
func Ensure(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return fmt.Errorf("ensure %s: exists and is not a directory", path)
	case !os.IsNotExist(err):
		return fmt.Errorf("ensure %s: %w", path, err)
	}
	if err := os.MkdirAll(path, dirPermission); err != nil {
		return fmt.Errorf("ensure %s: %w", path, err)
	}
	return nil
}
