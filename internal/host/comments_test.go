package host

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileCommenterAppends(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCommenter(dir)
	ctx := context.Background()

	for _, body := range []string{"first", "second"} {
		if err := c.Comment(ctx, "42", "org/repo", body); err != nil {
			t.Fatalf("Comment failed: %v", err)
		}
	}

	path := c.Path("42", "org/repo")
	if want := filepath.Join(dir, "org_repo", "42.md"); path != want {
		t.Errorf("Path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if strings.Index(text, "first") > strings.Index(text, "second") || !strings.Contains(text, "second") {
		t.Errorf("comments not appended in order:\n%s", text)
	}
}

func TestFileCommenterPathStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCommenter(dir)
	for _, repo := range []string{"..", "", "."} {
		if got := c.Path("1", repo); !strings.HasPrefix(got, dir+string(filepath.Separator)) {
			t.Errorf("Path(repo=%q) = %q escapes %q", repo, got, dir)
		}
	}
}
