package deploy

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/pulld/pulld/pkg/git"
)

// Bookkeeping branches, owned by this process and never pushed.
// `deployedBranch` records the last commit for which a build reached a
// definitive verdict; `deployedMainBranch` the last main-branch commit
// applied; `deployedSuccessBranch` the last commit that completed a
// deploy including the connectivity check.
const (
	deployedBranch        = "_deployed"
	deployedMainBranch    = "_deployed_main"
	deployedSuccessBranch = "_deployed_success"
)

// Target is what a host should deploy next. It is recomputed from
// repository state on every run and never persisted.
type Target struct {
	Branch string
	Class  BranchClass
	Commit git.Commit
	IsNew  bool
}

// SelectTarget decides which branch and commit this host should be
// running. It fetches first, then prefers a suitable host-scoped testing
// branch over main. A missing main branch on the origin is a
// configuration error, not a retryable condition.
func (d *Deployer) SelectTarget(ctx context.Context) (Target, error) {
	d.ensureInit()

	if err := d.Git.Fetch(ctx, true); err != nil {
		return Target{}, errors.Wrap(err, "fetching origin")
	}

	mainRef := git.Remote + "/" + d.MainBranch
	mainCommit, ok, err := d.Git.ResolveCommit(ctx, mainRef)
	if err != nil {
		return Target{}, err
	}
	if !ok {
		return Target{}, errors.Errorf("branch %s does not exist on the origin", mainRef)
	}

	branches, err := d.Git.ListRemoteBranches(ctx)
	if err != nil {
		return Target{}, err
	}
	var testing []string
	for _, b := range branches {
		if d.matchesHost(b) {
			testing = append(testing, b)
		}
	}
	if len(testing) > 1 {
		d.Logger.Log("warning", "multiple testing branches match this host",
			"host", d.Hostname, "branches", strings.Join(testing, ","))
	}

	deployed, hasDeployed, err := d.Git.ResolveCommit(ctx, deployedBranch)
	if err != nil {
		return Target{}, err
	}

	// Branches arrive most-recently-committed first; the first suitable
	// one wins and main is not considered.
	for _, branch := range testing {
		commit, ok, err := d.Git.ResolveCommit(ctx, branch)
		if err != nil {
			return Target{}, err
		}
		if !ok {
			continue
		}
		suitable, isNew, err := d.testingSuitable(ctx, commit, mainCommit, deployed, hasDeployed)
		if err != nil {
			return Target{}, err
		}
		if suitable {
			return recordSelection(Target{Branch: branch, Class: ClassTesting, Commit: commit, IsNew: isNew}), nil
		}
	}

	if !hasDeployed {
		// Lazily creating both bookkeeping branches marks the commit as
		// seen, so a second selection without new commits is not-new.
		if err := d.Git.ResetBranchTo(ctx, deployedBranch, mainCommit); err != nil {
			return Target{}, err
		}
		if err := d.Git.ResetBranchTo(ctx, deployedMainBranch, mainCommit); err != nil {
			return Target{}, err
		}
		return recordSelection(Target{Branch: mainRef, Class: ClassMain, Commit: mainCommit, IsNew: true}), nil
	}

	// Newness on main tracks the main-specific bookkeeping branch, so a
	// host coming back from a testing branch still picks up a main
	// commit it has never applied.
	deployedMain, ok, err := d.Git.ResolveCommit(ctx, deployedMainBranch)
	if err != nil {
		return Target{}, err
	}
	isNew := !ok || deployedMain != mainCommit
	return recordSelection(Target{Branch: mainRef, Class: ClassMain, Commit: mainCommit, IsNew: isNew}), nil
}

func recordSelection(t Target) Target {
	status := "unchanged"
	if t.IsNew {
		status = "new"
	}
	selectionsTotal.With(metricsLabelStatus, status).Add(1)
	return t
}

// matchesHost reports whether branch is a testing branch scoped to this
// host. The suffix after the prefix may name several hosts, joined by
// the configured separator.
func (d *Deployer) matchesHost(branch string) bool {
	prefix := git.Remote + "/" + d.TestingPrefix
	if !strings.HasPrefix(branch, prefix) {
		return false
	}
	for _, h := range strings.Split(branch[len(prefix):], d.TestingSeparator) {
		if h == d.Hostname {
			return true
		}
	}
	return false
}

// testingSuitable decides whether a testing commit should be deployed by
// this host, and whether it is new. On the first ever run (no deployed
// branch yet) a not-yet-merged testing commit is suitable, and the
// deployed branch is created lazily at it. Otherwise suitability is
// anchored at merge-base(deployed, main): the commit must descend from
// it (the host is, or was, on this testing line, force-pushes included)
// and must not already be merged into main.
func (d *Deployer) testingSuitable(ctx context.Context, commit, mainCommit, deployed git.Commit, hasDeployed bool) (suitable, isNew bool, err error) {
	if !hasDeployed {
		merged, err := d.Git.IsAncestor(ctx, commit, mainCommit)
		if err != nil {
			return false, false, err
		}
		if merged {
			return false, false, nil
		}
		if err := d.Git.ResetBranchTo(ctx, deployedBranch, commit); err != nil {
			return false, false, err
		}
		return true, true, nil
	}

	base, err := d.Git.MergeBase(ctx, deployed, mainCommit)
	if err != nil {
		return false, false, err
	}
	onLine, err := d.Git.IsAncestor(ctx, base, commit)
	if err != nil {
		return false, false, err
	}
	if !onLine {
		return false, false, nil
	}
	merged, err := d.Git.IsAncestor(ctx, commit, mainCommit)
	if err != nil {
		return false, false, err
	}
	if merged {
		return false, false, nil
	}
	return true, deployed != commit, nil
}
