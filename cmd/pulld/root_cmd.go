package main

import (
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/pulld/pulld/pkg/config"
	"github.com/pulld/pulld/pkg/deploy"
	"github.com/pulld/pulld/pkg/git"
	"github.com/pulld/pulld/pkg/logging"
	"github.com/pulld/pulld/pkg/nix"
)

const EnvVariableConfig = "PULLD_CONFIG"

type rootOpts struct {
	ConfigPath string

	Config *config.Config
	Logger log.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
pulld keeps this machine on the configuration committed for it.

It pulls a git repository, decides which commit this host should be
running (a host-scoped testing branch when one is in trial, the main
branch otherwise), builds it, activates it, and rolls back automatically
if activation breaks network connectivity.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "pulld",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/pulld/config.yaml",
		"path to the configuration file; you can also set the environment variable "+EnvVariableConfig)

	cmd.AddCommand(
		newRun(opts).Command(),
		newCheck(opts).Command(),
		newDaemon(opts).Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	opts.Logger = logging.NewLogger(os.Stderr)

	path := opts.ConfigPath
	if env := os.Getenv(EnvVariableConfig); env != "" && !cmd.Flags().Changed("config") {
		path = env
	}
	cfg, err := config.Load(path)
	if err != nil {
		opts.Logger.Log("err", err)
		return err
	}
	if cfg.Hostname == "" {
		if cfg.Hostname, err = os.Hostname(); err != nil {
			opts.Logger.Log("err", err)
			return err
		}
	}
	if cfg.FlakeAttr == "" {
		cfg.FlakeAttr = cfg.Hostname
	}
	opts.Config = cfg
	return nil
}

// newDeployer assembles the context object every subcommand works
// against: the git and nix adapters plus the deploy configuration.
func (opts *rootOpts) newDeployer(scheduled bool) (*deploy.Deployer, *git.Repo) {
	cfg := opts.Config
	repo := git.NewRepo(cfg.WorkingDir, cfg.OriginURL)
	return &deploy.Deployer{
		Git:              repo,
		Builder:          nix.NewClient(),
		Logger:           log.With(opts.Logger, "component", "deploy"),
		Hostname:         cfg.Hostname,
		MainBranch:       cfg.MainBranch,
		TestingPrefix:    cfg.TestingPrefix,
		TestingSeparator: cfg.TestingSeparator,
		MainMode:         cfg.MainMode,
		TestingMode:      cfg.TestingMode,
		Remotes:          cfg.Remotes,
		FlakeDir:         cfg.WorkingDir,
		FlakeAttr:        cfg.FlakeAttr,
		Hook:             cfg.Hook,
		RollbackTimeout:  cfg.RollbackTimeout,
		RebootDelay:      cfg.RebootDelay,
		Scheduled:        scheduled,
	}, repo
}
