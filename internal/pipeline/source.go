package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Source provides the checkout a run builds from.
type Source interface {
	// Checkout makes commit available on disk and returns its directory.
	Checkout(ctx context.Context, commit string) (string, error)
}

// GitSource fetches and checks out commits in an existing clone.
type GitSource struct {
	Dir    string
	Remote string // defaults to origin
}

func (g *GitSource) Checkout(ctx context.Context, commit string) (string, error) {
	remote := g.Remote
	if remote == "" {
		remote = "origin"
	}
	if _, err := git(ctx, g.Dir, "fetch", "--quiet", remote); err != nil {
		return "", err
	}
	if _, err := git(ctx, g.Dir, "checkout", "--quiet", "--force", "--detach", commit); err != nil {
		return "", err
	}

	head, err := git(ctx, g.Dir, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(head, commit) {
		return "", fmt.Errorf("checked out %s, wanted %s", head, commit)
	}
	return g.Dir, nil
}

// Latest fetches and returns the newest commit of branch on the remote.
func (g *GitSource) Latest(ctx context.Context, branch string) (string, error) {
	remote := g.Remote
	if remote == "" {
		remote = "origin"
	}
	if _, err := git(ctx, g.Dir, "fetch", "--quiet", remote, branch); err != nil {
		return "", err
	}
	return git(ctx, g.Dir, "rev-parse", "--verify", remote+"/"+branch)
}

// LocalSource builds whatever is in Dir. It is used by one-off runs from a
// working copy.
type LocalSource struct {
	Dir string
}

func (l *LocalSource) Checkout(ctx context.Context, commit string) (string, error) {
	return l.Dir, nil
}

// Head returns the commit checked out in dir.
func Head(ctx context.Context, dir string) (string, error) {
	return git(ctx, dir, "rev-parse", "--verify", "HEAD")
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
