package jobspec

import (
	"fmt"
	"log/slog"
	"oprlmbatch/internal/apperrors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// DefaultPattern selects YAML job documents.
const DefaultPattern = "*.yml"

// Entry is the outcome of loading one file: a Spec, or a ValidationError.
type Entry struct {
	File string
	Spec Spec
	Err  *ValidationError
}

// Valid reports whether the entry can be scheduled.
func (e Entry) Valid() bool { return e.Err == nil }

// Loader discovers job documents in a directory.
type Loader struct {
	Dir     string
	Pattern string // glob, or a comma-separated list of globs
	Logger  *slog.Logger
}

// Load parses every matching file in lexical order. A bad file never aborts the
// batch; only an unusable directory or zero matches return an error.
func (l *Loader) Load() ([]Entry, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	files, err := l.discover()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(files))
	for _, file := range files {
		spec, verr := ParseFile(file)
		entries = append(entries, Entry{File: file, Spec: spec, Err: verr})
	}
	markDuplicates(entries)
	markOutputConflicts(entries)

	LogEntries(logger, entries)
	return entries, nil
}

// LogEntries reports every invalid entry at WARN and every valid one at DEBUG.
func LogEntries(logger *slog.Logger, entries []Entry) {
	for _, e := range entries {
		if e.Err != nil {
			logger.Warn("Invalid job spec", "file", e.File, "jobId", e.Spec.ID, "error", e.Err)
		} else {
			logger.Debug("Loaded job spec", "file", e.File, "jobId", e.Spec.ID)
		}
	}
}

func (l *Loader) discover() ([]string, error) {
	info, err := os.Stat(l.Dir)
	if err != nil {
		return nil, apperrors.FatalCause("loader.stat", err)
	}
	if !info.IsDir() {
		return nil, apperrors.Fatal("loader.stat", fmt.Sprintf("%s is not a directory", l.Dir))
	}

	pattern := l.Pattern
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultPattern
	}

	seen := make(map[string]bool)
	var files []string
	for _, p := range strings.Split(pattern, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(l.Dir, p))
		if err != nil {
			return nil, apperrors.Fatal("loader.glob", fmt.Sprintf("bad pattern %q: %v", p, err))
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			if fi, err := os.Stat(m); err != nil || fi.IsDir() {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}

	if len(files) == 0 {
		return nil, apperrors.Fatal("loader", fmt.Sprintf("no files in %s match %q", l.Dir, pattern))
	}
	sort.Strings(files)
	return files, nil
}

// markDuplicates flags every entry sharing an id with another entry.
func markDuplicates(entries []Entry) {
	byID := make(map[string][]int)
	for i, e := range entries {
		if e.Spec.ID != "" {
			byID[e.Spec.ID] = append(byID[e.Spec.ID], i)
		}
	}
	for id, idx := range byID {
		if len(idx) < 2 {
			continue
		}
		for _, i := range idx {
			e := &entries[i]
			if e.Err == nil {
				e.Err = &ValidationError{File: e.File, JobID: id}
			}
			others := make([]string, 0, len(idx)-1)
			for _, j := range idx {
				if j != i {
					others = append(others, filepath.Base(entries[j].File))
				}
			}
			e.Err.add(DuplicateID, "pdb_id", "pdb_id %q is also used by %s", id, strings.Join(others, ", "))
		}
	}
}

// markOutputConflicts flags entries whose output_path resolves to the same
// artifact directory as another entry. Plain id collisions are left to
// markDuplicates.
func markOutputConflicts(entries []Entry) {
	byDir := make(map[string][]int)
	var order []string
	for i, e := range entries {
		key := outputKey(e.Spec)
		if key == "" {
			continue
		}
		if _, ok := byDir[key]; !ok {
			order = append(order, key)
		}
		byDir[key] = append(byDir[key], i)
	}
	for _, key := range order {
		idx := byDir[key]
		if len(idx) < 2 || !slices.ContainsFunc(idx, func(i int) bool { return entries[i].Spec.OutputPathOverride != "" }) {
			continue
		}
		for _, i := range idx {
			e := &entries[i]
			if e.Err == nil {
				e.Err = &ValidationError{File: e.File, JobID: e.Spec.ID}
			}
			others := make([]string, 0, len(idx)-1)
			for _, j := range idx {
				if j != i {
					others = append(others, filepath.Base(entries[j].File))
				}
			}
			e.Err.add(OutputPathConflict, "output_path", "artifact directory %s is also used by %s", key, strings.Join(others, ", "))
		}
	}
}

// outputKey identifies the artifact directory a spec writes to, relative to
// the run root unless the override is absolute.
func outputKey(spec Spec) string {
	switch p := spec.OutputPathOverride; {
	case p == "":
		return spec.ID
	case filepath.IsAbs(p):
		return filepath.Clean(p)
	default:
		return filepath.ToSlash(filepath.Clean(p))
	}
}

// ValidSpecs returns the schedulable specs in input order.
func ValidSpecs(entries []Entry) []Spec {
	var specs []Spec
	for _, e := range entries {
		if e.Valid() {
			specs = append(specs, e.Spec)
		}
	}
	return specs
}
