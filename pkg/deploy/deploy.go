// Package deploy holds the deployment decision and execution core:
// selecting which commit a host should run, and driving checkout, build,
// activation and rollback. The version control and build mechanics are
// behind the GitClient and Builder interfaces; this package only
// sequences them.
package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/pulld/pulld/pkg/git"
	"github.com/pulld/pulld/pkg/nix"
)

// GitClient is the part of the version control adapter the engine and
// orchestrator use.
type GitClient interface {
	Fetch(ctx context.Context, prune bool) error
	ResolveCommit(ctx context.Context, ref string) (git.Commit, bool, error)
	IsAncestor(ctx context.Context, a, b git.Commit) (bool, error)
	MergeBase(ctx context.Context, a, b git.Commit) (git.Commit, error)
	ResetBranchTo(ctx context.Context, branch string, c git.Commit) error
	ListRemoteBranches(ctx context.Context) ([]string, error)
	CommitMessage(ctx context.Context, c git.Commit) (string, error)
	Checkout(ctx context.Context, c git.Commit) error
}

// Builder is the part of the build/activation adapter the orchestrator
// uses.
type Builder interface {
	Archive(ctx context.Context, flakeDir string) (string, error)
	Copy(ctx context.Context, storePath string, from, to *nix.Remote) error
	Build(ctx context.Context, installable string, remote *nix.Remote) (string, error)
	SetSystemProfile(ctx context.Context, outPath string) error
	SwitchToConfiguration(ctx context.Context, outPath string, action nix.Action, installBootloader bool) error
	ReadBootspec(systemPath string) (nix.Bootspec, error)
}

const (
	defaultRollbackTimeout = 30 * time.Second
	defaultRebootDelay     = "+1min"
)

// errNoReachableBuilder means every configured build remote failed with
// a connection error; no verdict on the commit was reached.
var errNoReachableBuilder = errors.New("no build remote was reachable")

// Deployer holds everything one invocation needs. It is constructed
// once from configuration and passed around explicitly; there is no
// package-level state.
type Deployer struct {
	Git     GitClient
	Builder Builder
	Logger  log.Logger

	Hostname         string
	MainBranch       string
	TestingPrefix    string
	TestingSeparator string
	MainMode         Mode
	TestingMode      Mode

	// Build remotes in priority order; a nil entry means this machine.
	// Empty means local only.
	Remotes []*nix.Remote

	FlakeDir  string // the managed working copy
	FlakeAttr string // nixosConfigurations attribute to build

	Hook            string
	RollbackTimeout time.Duration
	RebootDelay     string
	Scheduled       bool // run was machine-scheduled rather than manual

	initOnce   sync.Once
	currentGen func() (string, error)
	execHook   func(ctx context.Context, path string, env []string) error
	rebootFn   func(ctx context.Context, delay string) error
	sleepFn    func(time.Duration)
}

func (d *Deployer) ensureInit() {
	d.initOnce.Do(func() {
		if d.Logger == nil {
			d.Logger = log.NewNopLogger()
		}
		if d.RollbackTimeout == 0 {
			d.RollbackTimeout = defaultRollbackTimeout
		}
		if d.RebootDelay == "" {
			d.RebootDelay = defaultRebootDelay
		}
		if d.currentGen == nil {
			d.currentGen = nix.CurrentGeneration
		}
		if d.execHook == nil {
			d.execHook = execHookCmd
		}
		if d.rebootFn == nil {
			d.rebootFn = scheduleReboot
		}
		if d.sleepFn == nil {
			d.sleepFn = time.Sleep
		}
	})
}

// ModeFor returns the configured activation mode for a branch class.
func (d *Deployer) ModeFor(class BranchClass) Mode {
	switch class {
	case ClassTesting:
		return d.TestingMode
	default:
		return d.MainMode
	}
}

// Deploy executes a deploy of the given target: checkout, hooks, build
// with remote fallback, bookkeeping, activation, reboot gating and the
// connectivity-gated rollback. Failures are reported through the logger
// and hooks; Deploy always returns.
func (d *Deployer) Deploy(ctx context.Context, target Target, magicRollback bool, modeOverride *Mode) {
	d.ensureInit()

	begin := time.Now()
	status := d.deploy(ctx, target, magicRollback, modeOverride)
	deployDuration.With(
		metricsLabelSuccess, strconv.FormatBool(status == statusSuccess),
	).Observe(time.Since(begin).Seconds())
	deploysTotal.With(
		metricsLabelStatus, status,
		metricsLabelBranchClass, target.Class.String(),
	).Add(1)
}

// statuses for the deploys_total metric
const (
	statusSuccess     = "success"
	statusFailed      = "failed"
	statusRolledBack  = "rolled-back"
	statusCancelled   = "cancelled"
	statusUnreachable = "unreachable"
	statusError       = "error"
)

func (d *Deployer) deploy(ctx context.Context, target Target, magicRollback bool, modeOverride *Mode) string {
	mode := d.ModeFor(target.Class)
	if modeOverride != nil {
		mode = *modeOverride
	}
	logger := log.With(d.Logger,
		"branch", target.Branch, "commit", target.Commit.Short(), "mode", mode.String())

	if err := d.Git.Checkout(ctx, target.Commit); err != nil {
		logger.Log("err", errors.Wrap(err, "checking out commit"))
		return statusError
	}

	// Captured before anything is built, for the rollback path.
	oldGeneration, err := d.currentGen()
	if err != nil {
		logger.Log("err", err)
		return statusError
	}

	hook := d.hookEnv(ctx, target, mode)
	d.runHook(ctx, logger, hook.withStatus(StatusPre))

	out, buildErr := d.buildCancellable(ctx, logger, mode)
	if buildErr != nil {
		// Neither outcome below judged the commit: leave the
		// bookkeeping alone so the next run retries from scratch.
		if nix.IsCancelled(buildErr) {
			logger.Log("info", "build cancelled; leaving target for the next run")
			return statusCancelled
		}
		if errors.Cause(buildErr) == errNoReachableBuilder {
			logger.Log("warning", "no build remote reachable; leaving target for the next run")
			return statusUnreachable
		}
	}

	// The build reached a definitive verdict; record the attempt before
	// looking at it, so a commit that fails to build is not retried
	// forever.
	if err := d.recordAttempt(ctx, target); err != nil {
		logger.Log("err", errors.Wrap(err, "updating bookkeeping branches"))
		return statusError
	}
	if buildErr != nil {
		logger.Log("err", errors.Wrap(buildErr, "deployment failed"))
		d.runHook(ctx, logger, hook.withStatus(StatusFailed))
		return statusFailed
	}

	if err := d.Builder.SwitchToConfiguration(ctx, out, mode.activationAction(), false); err != nil {
		logger.Log("err", errors.Wrap(err, "activating configuration"))
		d.runHook(ctx, logger, hook.withStatus(StatusFailed))
		return statusFailed
	}

	shouldReboot := false
	switch mode {
	case ModeBoot:
		// Picked up at next boot; nothing live to roll back.
		magicRollback = false
	case ModeReboot:
		shouldReboot = true
		magicRollback = false
	case ModeRebootOnKernelChange:
		same, specErr := d.sameKernel(out)
		if specErr != nil {
			logger.Log("warning", "cannot compare boot specifications, deferring to reboot", "err", specErr)
		}
		if specErr == nil && same {
			logger.Log("info", "kernel and initrd unchanged; activating in place")
			if err := d.Builder.SwitchToConfiguration(ctx, out, nix.ActionTest, false); err != nil {
				logger.Log("err", errors.Wrap(err, "activating configuration"))
				d.runHook(ctx, logger, hook.withStatus(StatusFailed))
				return statusFailed
			}
		} else {
			shouldReboot = true
			magicRollback = false
		}
	}

	if magicRollback && !d.connectivityRestored(ctx) {
		logger.Log("warning", "no network connection after activation; rolling back")
		if err := d.Builder.SwitchToConfiguration(ctx, oldGeneration, mode.rollbackAction(), false); err != nil {
			logger.Log("err", errors.Wrap(err, "rollback failed"))
			d.runHook(ctx, logger, hook.withStatus(StatusFailed))
			return statusError
		}
		logger.Log("info", "rolled back to previous generation; network connection check failed")
		d.runHook(ctx, logger, hook.withStatus(StatusFailed))
		return statusRolledBack
	}

	if err := d.Git.ResetBranchTo(ctx, deployedSuccessBranch, target.Commit); err != nil {
		logger.Log("err", errors.Wrap(err, "recording successful deploy"))
	}
	logger.Log("info", "deployment succeeded")
	d.runHook(ctx, logger, hook.withStatus(StatusSuccess))

	if shouldReboot {
		logger.Log("info", "scheduling reboot", "delay", d.RebootDelay)
		if err := d.rebootFn(ctx, d.RebootDelay); err != nil {
			logger.Log("err", errors.Wrap(err, "scheduling reboot"))
		}
	}
	return statusSuccess
}

// recordAttempt marks the commit as judged. Main-branch deploys also
// move the main-specific bookkeeping branch, which drives newness for
// main targets.
func (d *Deployer) recordAttempt(ctx context.Context, target Target) error {
	if err := d.Git.ResetBranchTo(ctx, deployedBranch, target.Commit); err != nil {
		return err
	}
	if target.Class == ClassMain {
		return d.Git.ResetBranchTo(ctx, deployedMainBranch, target.Commit)
	}
	return nil
}

// buildCancellable runs the build with interrupt signals routed to its
// context, so an external interrupt stops the underlying process rather
// than just abandoning the wait. Handlers are installed only around the
// build.
func (d *Deployer) buildCancellable(ctx context.Context, logger log.Logger, mode Mode) (string, error) {
	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigc:
			cancel()
		case <-done:
		}
	}()

	return d.build(buildCtx, logger, mode)
}

// build archives the working copy and tries each build remote in
// priority order. A remote failing with a connection error is skipped; a
// build failure on a reachable remote is definitive and aborts the
// attempt without falling through.
func (d *Deployer) build(ctx context.Context, logger log.Logger, mode Mode) (string, error) {
	input, err := d.Builder.Archive(ctx, d.FlakeDir)
	if err != nil {
		return "", errors.Wrap(err, "archiving configuration")
	}
	installable := fmt.Sprintf("%s#nixosConfigurations.%s.config.system.build.toplevel", input, d.FlakeAttr)

	remotes := d.Remotes
	if len(remotes) == 0 {
		remotes = []*nix.Remote{nil}
	}
	for _, remote := range remotes {
		out, err := d.buildOn(ctx, input, installable, remote, mode)
		if err != nil {
			if nix.IsConnectionFailure(err) {
				logger.Log("warning", "build remote unreachable, trying next", "remote", remoteName(remote))
				continue
			}
			return "", err
		}
		return out, nil
	}
	return "", errNoReachableBuilder
}

func (d *Deployer) buildOn(ctx context.Context, input, installable string, remote *nix.Remote, mode Mode) (string, error) {
	if err := d.Builder.Copy(ctx, input, nil, remote); err != nil {
		return "", err
	}
	out, err := d.Builder.Build(ctx, installable, remote)
	if err != nil {
		return "", err
	}
	if err := d.Builder.Copy(ctx, out, remote, nil); err != nil {
		return "", err
	}
	if mode.installsProfile() {
		if err := d.Builder.SetSystemProfile(ctx, out); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (d *Deployer) sameKernel(out string) (bool, error) {
	booted, err := d.Builder.ReadBootspec(nix.BootedSystem)
	if err != nil {
		return false, err
	}
	next, err := d.Builder.ReadBootspec(out)
	if err != nil {
		return false, err
	}
	return booted.SameKernel(next), nil
}

// connectivityRestored probes the network by fetching from the origin,
// once a second up to the configured timeout.
func (d *Deployer) connectivityRestored(ctx context.Context) bool {
	seconds := int(d.RollbackTimeout / time.Second)
	for i := 0; i < seconds; i++ {
		if err := d.Git.Fetch(ctx, false); err == nil {
			return true
		}
		d.sleepFn(time.Second)
	}
	return false
}

func remoteName(r *nix.Remote) string {
	if r == nil {
		return "local"
	}
	return r.String()
}

func scheduleReboot(ctx context.Context, delay string) error {
	return exec.CommandContext(ctx, "systemctl", "reboot", "--when="+delay).Run()
}
