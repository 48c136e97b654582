package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"accession/internal/config"
)

// WriteFile creates path, and any missing parents, with content.
func WriteFile(t testing.TB, path, content string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// StageFiles writes each relative name under the location root and returns
// the absolute paths in the same order.
func StageFiles(t testing.TB, cfg *config.Config, locationID string, names ...string) []string {
	t.Helper()

	root := LocationRoot(t, cfg, locationID)
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, WriteFile(t, filepath.Join(root, name), "payload:"+name))
	}
	return paths
}

// Exists reports whether path is present on disk.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
