package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pulld/pulld/pkg/deploy"
	"github.com/pulld/pulld/pkg/guard"
)

type runOpts struct {
	*rootOpts
	rebuild       bool
	magicRollback bool
	mode          string
	scheduled     bool
}

func newRun(parent *rootOpts) *runOpts {
	return &runOpts{rootOpts: parent}
}

func (opts *runOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "fetch changes and deploy if a new commit is committed for this host",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
	cmd.Flags().BoolVarP(&opts.rebuild, "rebuild", "r", false,
		"deploy even if this commit was attempted before")
	cmd.Flags().BoolVar(&opts.magicRollback, "magic-rollback", true,
		"roll back to the previous generation if network connectivity is lost after activation")
	cmd.Flags().StringVar(&opts.mode, "mode", "",
		"override the configured deploy mode (test|switch|boot|reboot|reboot-on-kernel-change)")
	cmd.Flags().BoolVar(&opts.scheduled, "scheduled", false,
		"mark this run as machine-scheduled (exposed to hooks)")
	return cmd
}

func (opts *runOpts) RunE(cmd *cobra.Command, args []string) error {
	if os.Geteuid() != 0 {
		return errors.New("deploying needs root; run as root or via the system timer")
	}

	var override *deploy.Mode
	if opts.mode != "" {
		m, err := deploy.ParseMode(opts.mode)
		if err != nil {
			return err
		}
		override = &m
	}

	lock, err := guard.Acquire(opts.Config.LockFile)
	if err == guard.ErrHeld {
		opts.Logger.Log("info", "another deploy is already running; nothing to do")
		return nil
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	if guard.BuildRunning() {
		opts.Logger.Log("info", "a rebuild is already running; nothing to do")
		return nil
	}

	ctx := context.Background()
	d, repo := opts.newDeployer(opts.scheduled)
	if err := repo.Setup(ctx); err != nil {
		return err
	}

	target, err := d.SelectTarget(ctx)
	if err != nil {
		opts.Logger.Log("err", err)
		return err
	}
	if !opts.rebuild && !target.IsNew {
		opts.Logger.Log("info", "already on the newest commit", "branch", target.Branch, "commit", target.Commit.Short())
		return nil
	}

	opts.Logger.Log("info", "deploying", "branch", target.Branch, "commit", target.Commit.Short())
	d.Deploy(ctx, target, opts.magicRollback, override)
	return nil
}
