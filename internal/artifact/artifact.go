// Package artifact moves job output files onto local disk.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SafeJoin joins a remote-supplied relative name onto destDir, rejecting
// absolute names and any name that would escape destDir.
func SafeJoin(destDir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty artifact name")
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("artifact name %q must be relative", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", fmt.Errorf("artifact name %q: path traversal not allowed", name)
		}
	}
	return filepath.Join(destDir, filepath.Clean(name)), nil
}

// List returns the regular files under dir in lexical order, excluding names in skip.
func List(dir string, skip ...string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			for _, s := range skip {
				if d.Name() == s {
					return nil
				}
			}
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
