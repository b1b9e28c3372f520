package artifact

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Save writes r to destPath, creating parent directories.
// A partially written file is removed on failure.
func Save(r io.Reader, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	written, err := writeFile(destPath, r, 0o644)
	if err != nil {
		return 0, err
	}

	slog.Debug("Saved file", "bytes", written, "path", destPath)
	return written, nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(file, r)
	if err == nil {
		err = file.Sync()
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return written, nil
}
