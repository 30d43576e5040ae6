package deploy

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-kit/kit/log"

	"github.com/pulld/pulld/pkg/git"
)

// HookStatus is the phase a hook invocation reports on.
type HookStatus string

const (
	StatusPre     HookStatus = "pre"
	StatusSuccess HookStatus = "success"
	StatusFailed  HookStatus = "failed"
)

// HookEnv is the fixed set of fields exposed to the hook executable.
// Serialized to the hook's environment rather than passed as arguments,
// so hooks stay trivial shell scripts.
type HookEnv struct {
	Status             HookStatus
	BranchClass        BranchClass
	Mode               Mode
	Commit             git.Commit
	CommitMessage      string
	LastSuccessCommit  git.Commit
	LastSuccessMessage string
	Scheduled          bool
}

func (e HookEnv) withStatus(s HookStatus) HookEnv {
	e.Status = s
	return e
}

// Environ returns the environment variables for the hook process.
func (e HookEnv) Environ() []string {
	return []string{
		"DEPLOY_STATUS=" + string(e.Status),
		"DEPLOY_BRANCH_TYPE=" + e.BranchClass.String(),
		"DEPLOY_MODE=" + e.Mode.String(),
		"DEPLOY_COMMIT=" + e.Commit.String(),
		"DEPLOY_COMMIT_MESSAGE=" + e.CommitMessage,
		"DEPLOY_LAST_SUCCESS_COMMIT=" + e.LastSuccessCommit.String(),
		"DEPLOY_LAST_SUCCESS_COMMIT_MESSAGE=" + e.LastSuccessMessage,
		"DEPLOY_SCHEDULED=" + strconv.FormatBool(e.Scheduled),
	}
}

// hookEnv assembles the fields shared by every hook invocation of one
// deploy. Lookup failures leave the corresponding fields empty rather
// than blocking the deploy.
func (d *Deployer) hookEnv(ctx context.Context, target Target, mode Mode) HookEnv {
	env := HookEnv{
		BranchClass: target.Class,
		Mode:        mode,
		Commit:      target.Commit,
		Scheduled:   d.Scheduled,
	}
	if msg, err := d.Git.CommitMessage(ctx, target.Commit); err == nil {
		env.CommitMessage = msg
	}
	if c, ok, err := d.Git.ResolveCommit(ctx, deployedSuccessBranch); err == nil && ok {
		env.LastSuccessCommit = c
		if msg, err := d.Git.CommitMessage(ctx, c); err == nil {
			env.LastSuccessMessage = msg
		}
	}
	return env
}

// runHook invokes the configured hook executable. A failing hook is
// logged and otherwise ignored; it never aborts a deploy.
func (d *Deployer) runHook(ctx context.Context, logger log.Logger, env HookEnv) {
	if d.Hook == "" {
		return
	}
	if err := d.execHook(ctx, d.Hook, env.Environ()); err != nil {
		logger.Log("warning", "hook failed", "hook", d.Hook, "status", env.Status, "err", err)
	}
}

func execHookCmd(ctx context.Context, path string, env []string) error {
	cmd := exec.CommandContext(ctx, path)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
