package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"cortex/internal/logging"
)

// Git is the optional version-control collaborator. The engine calls
// named commands only; there is no VCS library in the core.
type Git interface {
	Status(ctx context.Context) (string, error)
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context) error
	Tag(ctx context.Context, name string) error
}

// runner executes one git invocation; swapped out in tests.
type runner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// CommandGit shells out to the git binary in a working directory.
type CommandGit struct {
	dir string
	run runner
}

// NewCommandGit builds the command-line git collaborator.
func NewCommandGit(dir string) *CommandGit {
	return &CommandGit{dir: dir, run: execGit}
}

func (g *CommandGit) Status(ctx context.Context) (string, error) {
	return g.run(ctx, g.dir, "status", "--porcelain")
}

func (g *CommandGit) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := g.run(ctx, g.dir, append([]string{"add", "--"}, paths...)...)
	return err
}

func (g *CommandGit) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx, g.dir, "commit", "-m", message)
	if err == nil {
		logging.Workspace("Committed: %s", message)
	}
	return err
}

func (g *CommandGit) Push(ctx context.Context) error {
	_, err := g.run(ctx, g.dir, "push")
	return err
}

func (g *CommandGit) Tag(ctx context.Context, name string) error {
	_, err := g.run(ctx, g.dir, "tag", name)
	return err
}

// NoopGit satisfies Git when the collaborator is disabled.
type NoopGit struct{}

func (NoopGit) Status(context.Context) (string, error) { return "", nil }
func (NoopGit) Add(context.Context, ...string) error   { return nil }
func (NoopGit) Commit(context.Context, string) error   { return nil }
func (NoopGit) Push(context.Context) error             { return nil }
func (NoopGit) Tag(context.Context, string) error      { return nil }
