package deploy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulld/pulld/pkg/git"
	"github.com/pulld/pulld/pkg/nix"
)

const (
	testCommit    = git.Commit("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	oldGeneration = "/nix/store/old-generation"
	newOutPath    = "/nix/store/new-system"
)

type fakeGit struct {
	branches  map[string]git.Commit
	checkouts []git.Commit
	// probe fetches (prune off) are the connectivity check; failing
	// them simulates a deploy that cut the machine off the network
	probeFails bool
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: map[string]git.Commit{}}
}

func (g *fakeGit) Fetch(ctx context.Context, prune bool) error {
	if !prune && g.probeFails {
		return errors.New("fetch: could not resolve host")
	}
	return nil
}

func (g *fakeGit) ResolveCommit(ctx context.Context, ref string) (git.Commit, bool, error) {
	c, ok := g.branches[ref]
	return c, ok, nil
}

func (g *fakeGit) IsAncestor(ctx context.Context, a, b git.Commit) (bool, error) {
	return false, nil
}

func (g *fakeGit) MergeBase(ctx context.Context, a, b git.Commit) (git.Commit, error) {
	return a, nil
}

func (g *fakeGit) ResetBranchTo(ctx context.Context, branch string, c git.Commit) error {
	g.branches[branch] = c
	return nil
}

func (g *fakeGit) ListRemoteBranches(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (g *fakeGit) CommitMessage(ctx context.Context, c git.Commit) (string, error) {
	return "commit message for " + c.Short(), nil
}

func (g *fakeGit) Checkout(ctx context.Context, c git.Commit) error {
	g.checkouts = append(g.checkouts, c)
	return nil
}

type switchCall struct {
	out    string
	action nix.Action
}

type fakeBuilder struct {
	// per-remote build errors, keyed by remoteName
	buildErrs map[string]error
	copyErrs  map[string]error

	builtOn  []string
	profiles []string
	switches []switchCall

	bootspecs   map[string]nix.Bootspec
	bootspecErr error
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{
		buildErrs: map[string]error{},
		copyErrs:  map[string]error{},
		bootspecs: map[string]nix.Bootspec{},
	}
}

func (b *fakeBuilder) Archive(ctx context.Context, flakeDir string) (string, error) {
	return "/nix/store/archived-flake", nil
}

func (b *fakeBuilder) Copy(ctx context.Context, storePath string, from, to *nix.Remote) error {
	if to != nil {
		return b.copyErrs[remoteName(to)]
	}
	return b.copyErrs[remoteName(from)]
}

func (b *fakeBuilder) Build(ctx context.Context, installable string, remote *nix.Remote) (string, error) {
	if err := b.buildErrs[remoteName(remote)]; err != nil {
		return "", err
	}
	b.builtOn = append(b.builtOn, remoteName(remote))
	return newOutPath, nil
}

func (b *fakeBuilder) SetSystemProfile(ctx context.Context, outPath string) error {
	b.profiles = append(b.profiles, outPath)
	return nil
}

func (b *fakeBuilder) SwitchToConfiguration(ctx context.Context, outPath string, action nix.Action, installBootloader bool) error {
	b.switches = append(b.switches, switchCall{outPath, action})
	return nil
}

func (b *fakeBuilder) ReadBootspec(systemPath string) (nix.Bootspec, error) {
	if b.bootspecErr != nil {
		return nix.Bootspec{}, b.bootspecErr
	}
	return b.bootspecs[systemPath], nil
}

type harness struct {
	dep     *Deployer
	git     *fakeGit
	builder *fakeBuilder
	hooks   []string // DEPLOY_STATUS of each hook invocation
	reboots []string
}

func newHarness() *harness {
	h := &harness{git: newFakeGit(), builder: newFakeBuilder()}
	h.dep = &Deployer{
		Git:             h.git,
		Builder:         h.builder,
		Logger:          log.NewNopLogger(),
		MainBranch:      "main",
		MainMode:        ModeSwitch,
		TestingMode:     ModeTest,
		FlakeDir:        "/var/lib/pulld/repo",
		FlakeAttr:       "host1",
		Hook:            "/etc/pulld/hook",
		RollbackTimeout: 3 * time.Second,

		currentGen: func() (string, error) { return oldGeneration, nil },
		sleepFn:    func(time.Duration) {},
		rebootFn: func(ctx context.Context, delay string) error {
			h.reboots = append(h.reboots, delay)
			return nil
		},
	}
	h.dep.execHook = func(ctx context.Context, path string, env []string) error {
		for _, kv := range env {
			if strings.HasPrefix(kv, "DEPLOY_STATUS=") {
				h.hooks = append(h.hooks, strings.TrimPrefix(kv, "DEPLOY_STATUS="))
			}
		}
		return nil
	}
	h.dep.ensureInit()
	return h
}

func mainTarget() Target {
	return Target{Branch: "origin/main", Class: ClassMain, Commit: testCommit, IsNew: true}
}

func TestDeploySuccess(t *testing.T) {
	h := newHarness()

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Equal(t, []git.Commit{testCommit}, h.git.checkouts)
	assert.Equal(t, testCommit, h.git.branches[deployedBranch])
	assert.Equal(t, testCommit, h.git.branches[deployedMainBranch])
	assert.Equal(t, testCommit, h.git.branches[deployedSuccessBranch])
	assert.Equal(t, []string{newOutPath}, h.builder.profiles)
	assert.Equal(t, []switchCall{{newOutPath, nix.ActionSwitch}}, h.builder.switches)
	assert.Equal(t, []string{"pre", "success"}, h.hooks)
	assert.Empty(t, h.reboots)
}

func TestDeployTestingModeSkipsProfile(t *testing.T) {
	h := newHarness()
	target := Target{Branch: "origin/testing/host1", Class: ClassTesting, Commit: testCommit, IsNew: true}

	status := h.dep.deploy(context.Background(), target, true, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Empty(t, h.builder.profiles, "test mode must not move the system profile")
	assert.Equal(t, []switchCall{{newOutPath, nix.ActionTest}}, h.builder.switches)
	assert.Equal(t, testCommit, h.git.branches[deployedBranch])
	_, hasMain := h.git.branches[deployedMainBranch]
	assert.False(t, hasMain, "testing deploys do not move the main bookkeeping branch")
}

func TestDeployModeOverride(t *testing.T) {
	h := newHarness()
	mode := ModeBoot

	status := h.dep.deploy(context.Background(), mainTarget(), true, &mode)

	assert.Equal(t, statusSuccess, status)
	assert.Equal(t, []switchCall{{newOutPath, nix.ActionBoot}}, h.builder.switches)
}

func TestDeployBuildFailureIsDefinitive(t *testing.T) {
	h := newHarness()
	h.builder.buildErrs["local"] = &nix.CommandError{Outcome: nix.OutcomeFailed, Code: 1}

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusFailed, status)
	// the failed commit is recorded so it is not retried forever
	assert.Equal(t, testCommit, h.git.branches[deployedBranch])
	_, hasSuccess := h.git.branches[deployedSuccessBranch]
	assert.False(t, hasSuccess)
	assert.Empty(t, h.builder.switches)
	assert.Equal(t, []string{"pre", "failed"}, h.hooks)
}

func TestDeployCancelledLeavesNoTrace(t *testing.T) {
	h := newHarness()
	h.builder.buildErrs["local"] = &nix.CommandError{Outcome: nix.OutcomeCancelled}

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusCancelled, status)
	assert.Empty(t, h.git.branches, "a cancelled build must not move any bookkeeping branch")
	assert.Equal(t, []string{"pre"}, h.hooks, "no completion hook after cancellation")
}

func TestDeployAllRemotesUnreachable(t *testing.T) {
	h := newHarness()
	r1, err := nix.ParseRemote("builder@one.example.com")
	require.NoError(t, err)
	r2, err := nix.ParseRemote("builder@two.example.com")
	require.NoError(t, err)
	h.dep.Remotes = []*nix.Remote{r1, r2}
	h.builder.copyErrs[r1.String()] = &nix.CommandError{Outcome: nix.OutcomeConnectionFailed, Code: 255}
	h.builder.copyErrs[r2.String()] = &nix.CommandError{Outcome: nix.OutcomeConnectionFailed, Code: 255}

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusUnreachable, status)
	assert.Empty(t, h.git.branches, "unreachable builders reach no verdict on the commit")
	assert.Equal(t, []string{"pre"}, h.hooks)
}

func TestDeployFallsBackToNextRemote(t *testing.T) {
	h := newHarness()
	r1, err := nix.ParseRemote("builder@one.example.com")
	require.NoError(t, err)
	h.dep.Remotes = []*nix.Remote{r1, nil}
	h.builder.copyErrs[r1.String()] = &nix.CommandError{Outcome: nix.OutcomeConnectionFailed, Code: 255}

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Equal(t, []string{"local"}, h.builder.builtOn)
}

func TestDeployBuildFailureOnRemoteDoesNotFallBack(t *testing.T) {
	h := newHarness()
	r1, err := nix.ParseRemote("builder@one.example.com")
	require.NoError(t, err)
	h.dep.Remotes = []*nix.Remote{r1, nil}
	h.builder.buildErrs[r1.String()] = &nix.CommandError{Outcome: nix.OutcomeFailed, Code: 1}

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusFailed, status)
	assert.Empty(t, h.builder.builtOn, "a reachable remote's verdict is final")
}

func TestDeployMagicRollback(t *testing.T) {
	h := newHarness()
	h.git.probeFails = true

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusRolledBack, status)
	require.Len(t, h.builder.switches, 2)
	assert.Equal(t, switchCall{newOutPath, nix.ActionSwitch}, h.builder.switches[0])
	assert.Equal(t, switchCall{oldGeneration, nix.ActionSwitch}, h.builder.switches[1])
	// the attempt is recorded, the success is not
	assert.Equal(t, testCommit, h.git.branches[deployedBranch])
	_, hasSuccess := h.git.branches[deployedSuccessBranch]
	assert.False(t, hasSuccess)
	assert.Equal(t, []string{"pre", "failed"}, h.hooks)
}

func TestDeployMagicRollbackTestMode(t *testing.T) {
	h := newHarness()
	h.git.probeFails = true
	target := Target{Branch: "origin/testing/host1", Class: ClassTesting, Commit: testCommit, IsNew: true}

	status := h.dep.deploy(context.Background(), target, true, nil)

	assert.Equal(t, statusRolledBack, status)
	require.Len(t, h.builder.switches, 2)
	assert.Equal(t, switchCall{oldGeneration, nix.ActionTest}, h.builder.switches[1],
		"rollback of a test activation must not touch the boot entries")
}

func TestDeployMagicRollbackDisabled(t *testing.T) {
	h := newHarness()
	h.git.probeFails = true

	status := h.dep.deploy(context.Background(), mainTarget(), false, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Len(t, h.builder.switches, 1)
	assert.Equal(t, testCommit, h.git.branches[deployedSuccessBranch])
}

func TestDeployBootModeSkipsRollback(t *testing.T) {
	h := newHarness()
	h.git.probeFails = true
	h.dep.MainMode = ModeBoot

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Equal(t, []switchCall{{newOutPath, nix.ActionBoot}}, h.builder.switches)
	assert.Empty(t, h.reboots)
}

func TestDeployRebootMode(t *testing.T) {
	h := newHarness()
	h.dep.MainMode = ModeReboot
	h.dep.RebootDelay = "+5min"

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Equal(t, []switchCall{{newOutPath, nix.ActionBoot}}, h.builder.switches)
	assert.Equal(t, []string{"+5min"}, h.reboots)
	assert.Equal(t, []string{"pre", "success"}, h.hooks, "the success hook fires before the reboot")
}

func TestDeployRebootOnKernelChangeSameKernel(t *testing.T) {
	h := newHarness()
	h.dep.MainMode = ModeRebootOnKernelChange
	spec := nix.Bootspec{Kernel: "/nix/store/k1", Initrd: "/nix/store/i1"}
	h.builder.bootspecs[nix.BootedSystem] = spec
	h.builder.bootspecs[newOutPath] = spec

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusSuccess, status)
	require.Len(t, h.builder.switches, 2)
	assert.Equal(t, switchCall{newOutPath, nix.ActionBoot}, h.builder.switches[0])
	assert.Equal(t, switchCall{newOutPath, nix.ActionTest}, h.builder.switches[1],
		"an unchanged kernel activates the new system in place")
	assert.Empty(t, h.reboots)
}

func TestDeployRebootOnKernelChangeChangedKernel(t *testing.T) {
	h := newHarness()
	h.dep.MainMode = ModeRebootOnKernelChange
	h.dep.RebootDelay = "+1min"
	h.builder.bootspecs[nix.BootedSystem] = nix.Bootspec{Kernel: "/nix/store/k1", Initrd: "/nix/store/i1"}
	h.builder.bootspecs[newOutPath] = nix.Bootspec{Kernel: "/nix/store/k2", Initrd: "/nix/store/i1"}

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Len(t, h.builder.switches, 1)
	assert.Equal(t, []string{"+1min"}, h.reboots)
}

func TestDeployRebootOnKernelChangeUnreadableBootspec(t *testing.T) {
	h := newHarness()
	h.dep.MainMode = ModeRebootOnKernelChange
	h.builder.bootspecErr = errors.New("boot.json: no such file")

	status := h.dep.deploy(context.Background(), mainTarget(), true, nil)

	assert.Equal(t, statusSuccess, status)
	assert.Equal(t, []string{defaultRebootDelay}, h.reboots,
		"unreadable boot specifications defer to a reboot")
}
