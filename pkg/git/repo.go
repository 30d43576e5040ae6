// Package git is a typed adapter over the git binary for the managed
// working copy: ref resolution, ancestry tests, bookkeeping branch
// resets, and remote branch listing. All operations run with a pinned
// environment so results do not depend on the invoking user's git
// configuration.
package git

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Commit is an opaque identifier for a point in history. Two Commits are
// the same commit iff they are equal.
type Commit string

func (c Commit) String() string { return string(c) }

// Short returns the abbreviated form used in log output.
func (c Commit) Short() string {
	if len(c) > 7 {
		return string(c[:7])
	}
	return string(c)
}

// Remote is the name of the upstream all remote refs are scoped to.
const Remote = "origin"

// Repo is a handle on the managed working copy.
type Repo struct {
	dir       string
	originURL string
}

// NewRepo returns a handle on the working copy at dir, expected to track
// originURL. Call Setup before anything else on a fresh host.
func NewRepo(dir, originURL string) *Repo {
	return &Repo{dir: dir, originURL: originURL}
}

// Dir returns the working copy directory.
func (r *Repo) Dir() string { return r.dir }

// Setup creates and initialises the working copy if needed, and points
// its origin at the configured URL. A non-empty directory that is not a
// git repository is a configuration error.
func (r *Repo) Setup(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return errors.Wrap(err, "creating working copy dir")
	}
	entries, err := ioutil.ReadDir(r.dir)
	if err != nil {
		return errors.Wrap(err, "reading working copy dir")
	}
	if len(entries) == 0 {
		if _, err := execGitCmd(ctx, r.dir, "init"); err != nil {
			return errors.Wrap(err, "git init")
		}
		if _, err := execGitCmd(ctx, r.dir, "remote", "add", Remote, r.originURL); err != nil {
			return errors.Wrap(err, "adding origin remote")
		}
		return nil
	}
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err != nil {
		return errors.Errorf("%q is not a git repository", r.dir)
	}
	_, err = execGitCmd(ctx, r.dir, "remote", "set-url", Remote, r.originURL)
	return errors.Wrap(err, "setting origin URL")
}

// Fetch updates refs from the origin. With prune set, remote-tracking
// refs for branches deleted upstream are removed.
func (r *Repo) Fetch(ctx context.Context, prune bool) error {
	args := []string{"fetch"}
	if prune {
		args = append(args, "--prune")
	}
	_, err := execGitCmd(ctx, r.dir, args...)
	return err
}

// ResolveCommit resolves a ref to a commit. The second return is false
// if the ref does not exist; that is not an error.
func (r *Repo) ResolveCommit(ctx context.Context, ref string) (Commit, bool, error) {
	out, err := execGitCmd(ctx, r.dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		if exitCode(err) > 0 {
			return "", false, nil
		}
		return "", false, err
	}
	return Commit(out), true, nil
}

// IsAncestor reports whether a is an ancestor of b. Exit code 1 from the
// ancestry check is a legitimate "no"; anything else non-zero is an error.
func (r *Repo) IsAncestor(ctx context.Context, a, b Commit) (bool, error) {
	_, err := execGitCmd(ctx, r.dir, "merge-base", "--is-ancestor", string(a), string(b))
	if err != nil {
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MergeBase returns the best common ancestor of the two commits.
func (r *Repo) MergeBase(ctx context.Context, a, b Commit) (Commit, error) {
	out, err := execGitCmd(ctx, r.dir, "merge-base", string(a), string(b))
	if err != nil {
		return "", err
	}
	return Commit(out), nil
}

// ResetBranchTo points branch at the given commit, creating the branch
// if it does not exist yet. The working tree is not touched.
func (r *Repo) ResetBranchTo(ctx context.Context, branch string, c Commit) error {
	_, err := execGitCmd(ctx, r.dir, "branch", "--force", branch, string(c))
	return err
}

// ListRemoteBranches returns the origin's branches, most recently
// committed first.
func (r *Repo) ListRemoteBranches(ctx context.Context) ([]string, error) {
	out, err := execGitCmd(ctx, r.dir,
		"branch", "--list", "--remote", "--sort=-committerdate", "--format", "%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, b := range splitList(out) {
		if strings.HasPrefix(b, Remote+"/") && !strings.HasSuffix(b, "/HEAD") {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// CommitMessage returns the full commit message body for c.
func (r *Repo) CommitMessage(ctx context.Context, c Commit) (string, error) {
	out, err := execGitCmd(ctx, r.dir, "rev-list", "--format=%B", "--max-count=1", string(c))
	if err != nil {
		return "", err
	}
	// the first line is "commit <hash>"
	lines := strings.SplitN(out, "\n", 2)
	if len(lines) < 2 {
		return "", nil
	}
	return strings.TrimSpace(lines[1]), nil
}

// Checkout force-checks-out the commit, discarding local modifications.
func (r *Repo) Checkout(ctx context.Context, c Commit) error {
	_, err := execGitCmd(ctx, r.dir, "checkout", "--force", "--detach", string(c), "--")
	return err
}
