package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/types"
)

func TestWriteArtifact(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	rel, err := w.WriteArtifact(ctx, "reports", "feedback.md", "# Report\nbody\n")
	require.NoError(t, err)
	assert.Equal(t, "reports/feedback.md", rel)

	data, err := os.ReadFile(filepath.Join(w.Root(), "reports", "feedback.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Report\nbody\n", string(data))
}

func TestUnknownCategoryRefused(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	_, err = w.WriteArtifact(context.Background(), "", "ROOT.md", "x")
	require.Error(t, err)
	assert.Equal(t, types.KindBlockedByRule, types.KindOf(err))

	_, err = w.WriteArtifact(context.Background(), "scratch", "f.md", "x")
	require.Error(t, err)
	assert.Equal(t, types.KindBlockedByRule, types.KindOf(err))
}

func TestTraversalRefused(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	rel, err := w.WriteArtifact(context.Background(), "reports", "../../etc/evil.md", "x")
	if err == nil {
		// The name sanitizer may have flattened the traversal instead
		// of refusing it; either way the write must stay inside root.
		assert.NotContains(t, rel, "..")
		_, statErr := os.Stat(filepath.Join(w.Root(), filepath.FromSlash(rel)))
		assert.NoError(t, statErr)
	}
}

func TestCommandGitBuildsArgs(t *testing.T) {
	var got [][]string
	g := NewCommandGit(".")
	g.run = func(_ context.Context, dir string, args ...string) (string, error) {
		got = append(got, args)
		return "", nil
	}

	ctx := context.Background()
	require.NoError(t, g.Add(ctx, "a.go", "b.go"))
	require.NoError(t, g.Commit(ctx, "msg"))
	require.NoError(t, g.Tag(ctx, "v1"))

	require.Len(t, got, 3)
	assert.Equal(t, []string{"add", "--", "a.go", "b.go"}, got[0])
	assert.Equal(t, []string{"commit", "-m", "msg"}, got[1])
	assert.Equal(t, []string{"tag", "v1"}, got[2])
}
