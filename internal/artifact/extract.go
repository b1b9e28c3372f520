package artifact

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ExtractTar unpacks a tar stream into destDir and returns the regular files
// written, in archive order. stripRoot removes the leading path element that
// docker's CopyFromContainer adds (e.g. "output/").
func ExtractTar(r io.Reader, destDir string, stripRoot bool) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var files []string
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("failed to read tar header: %w", err)
		}

		name := filepath.ToSlash(filepath.Clean(header.Name))
		if stripRoot {
			if _, rest, ok := strings.Cut(name, "/"); ok {
				name = rest
			} else {
				continue
			}
		}
		if name == "" || name == "." {
			continue
		}

		target, err := SafeJoin(destDir, name)
		if err != nil {
			return files, fmt.Errorf("invalid path in archive: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, fmt.Errorf("failed to create parent directory: %w", err)
			}
			if _, err := writeFile(target, tr, os.FileMode(header.Mode)&0o777|0o600); err != nil {
				return files, err
			}
			files = append(files, target)
		default:
			slog.Debug("Skipping archive entry", "name", header.Name, "type", header.Typeflag)
		}
	}
	return files, nil
}
