package testutil

import (
	"fmt"
	"oprlmbatch/internal/jobspec"
	"os"
	"path/filepath"
	"testing"
)

// SpecDoc returns a minimal valid job document for id.
func SpecDoc(id string) string {
	return fmt.Sprintf("pdb_id: %s\nfile_input_mode: searchPDB\n", id)
}

// Spec parses SpecDoc(id), failing the test on error.
func Spec(tb testing.TB, id string) jobspec.Spec {
	tb.Helper()
	spec, verr := jobspec.Parse([]byte(SpecDoc(id)), "")
	if verr != nil {
		tb.Fatalf("invalid test spec %s: %v", id, verr)
	}
	return spec
}

// Specs returns Spec for each id, in order.
func Specs(tb testing.TB, ids ...string) []jobspec.Spec {
	tb.Helper()
	specs := make([]jobspec.Spec, len(ids))
	for i, id := range ids {
		specs[i] = Spec(tb, id)
	}
	return specs
}

// WriteSpec writes content to dir/name.
func WriteSpec(tb testing.TB, dir, name, content string) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", name, err)
	}
	return path
}
