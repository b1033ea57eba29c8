// Package workspace mediates every write the engine makes into the
// workspace being assisted. Documents go through a writer that refuses
// root-level destinations and requires a categorised subpath; git goes
// through a small command interface so the core never links a VCS
// library.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cortex/internal/logging"
	"cortex/internal/types"
)

// Categories are the only directories the writer will place artifacts
// in. Anything else, including the workspace root, is refused.
var Categories = []string{
	"reports",
	"analysis",
	"investigations",
	"planning",
	"implementation-guides",
	"summaries",
	"conversation-captures",
}

var categorySet = func() map[string]bool {
	set := make(map[string]bool, len(Categories))
	for _, c := range Categories {
		set[c] = true
	}
	return set
}()

// Writer places artifacts under root, one categorised subdirectory per
// artifact class.
type Writer struct {
	root string
}

// NewWriter builds a writer rooted at the artifact directory.
func NewWriter(root string) (*Writer, error) {
	if root == "" {
		return nil, types.Errorf(types.KindConfigurationError, "workspace root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Writer{root: abs}, nil
}

// Root returns the absolute artifact root.
func (w *Writer) Root() string { return w.root }

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// WriteArtifact writes content under category/name and returns the
// path relative to the workspace root. Root-level writes, unknown
// categories and traversal outside the root are refused.
func (w *Writer) WriteArtifact(ctx context.Context, category, name, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewError(types.KindCancelled, "write artifact", err)
	}
	if !categorySet[category] {
		return "", types.Blocked("no_root_docs",
			fmt.Sprintf("category %q is not an allowed artifact destination", category),
			[]string{"use one of: " + strings.Join(Categories, ", ")})
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("artifact-%d.md", time.Now().UnixMilli())
	}
	name = unsafeName.ReplaceAllString(name, "-")

	rel := filepath.Join(category, name)
	abs := filepath.Join(w.root, rel)
	if !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", types.Blocked("no_root_docs",
			fmt.Sprintf("path %q escapes the workspace", rel), nil)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	logging.Workspace("Wrote artifact %s (%d bytes)", rel, len(content))
	return filepath.ToSlash(rel), nil
}
