package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Commenter posts completion comments to a work item.
type Commenter interface {
	Comment(ctx context.Context, workItemID, repo, body string) error
}

// FileCommenter appends comments to {dir}/{repo}/{work item}.md, one
// timestamped section per comment. It stands in for an issue tracker.
type FileCommenter struct {
	dir string
	now func() time.Time
}

// NewFileCommenter returns a FileCommenter rooted at dir.
func NewFileCommenter(dir string) *FileCommenter {
	return &FileCommenter{dir: dir, now: time.Now}
}

// Path returns the comment file for a work item.
func (c *FileCommenter) Path(workItemID, repo string) string {
	if repo == "" {
		repo = "_"
	}
	return filepath.Join(c.dir, sanitize(repo), sanitize(workItemID)+".md")
}

// Comment implements Commenter.
func (c *FileCommenter) Comment(_ context.Context, workItemID, repo, body string) error {
	path := c.Path(workItemID, repo)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create comment dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open comment file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "<!-- %s -->\n%s\n\n", c.now().UTC().Format(time.RFC3339), body); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	return nil
}

func sanitize(name string) string {
	if name == "." || name == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
}
