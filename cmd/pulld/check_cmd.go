package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type checkOpts struct {
	*rootOpts
}

func newCheck(parent *rootOpts) *checkOpts {
	return &checkOpts{rootOpts: parent}
}

func (opts *checkOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "check whether a new commit is available for this host, without deploying",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
}

func (opts *checkOpts) RunE(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	d, _ := opts.newDeployer(false)

	target, err := d.SelectTarget(ctx)
	if err != nil {
		opts.Logger.Log("err", err)
		return err
	}
	if !target.IsNew {
		fmt.Fprintf(cmd.OutOrStdout(), "already on the newest %s commit\n", target.Branch)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "new commit available on %s: %s\n", target.Branch, target.Commit)
	return nil
}
