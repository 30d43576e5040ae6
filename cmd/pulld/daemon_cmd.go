package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pulld/pulld/pkg/deploy"
	"github.com/pulld/pulld/pkg/guard"
)

type daemonOpts struct {
	*rootOpts
	interval      time.Duration
	listenMetrics string
	magicRollback bool
}

func newDaemon(parent *rootOpts) *daemonOpts {
	return &daemonOpts{rootOpts: parent}
}

func (opts *daemonOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "run continuously, deploying new commits as they appear",
		Args:  cobra.NoArgs,
		RunE:  opts.RunE,
	}
	cmd.Flags().DurationVar(&opts.interval, "interval", 5*time.Minute,
		"how often to check the origin for new commits")
	cmd.Flags().StringVar(&opts.listenMetrics, "listen-metrics", "",
		"address to serve /metrics on (disabled when empty)")
	cmd.Flags().BoolVar(&opts.magicRollback, "magic-rollback", true,
		"roll back to the previous generation if network connectivity is lost after activation")
	return cmd
}

func (opts *daemonOpts) RunE(cmd *cobra.Command, args []string) error {
	if os.Geteuid() != 0 {
		return errors.New("deploying needs root; run as root or via the system service")
	}
	logger := opts.Logger

	d, repo := opts.newDeployer(true)
	if err := repo.Setup(context.Background()); err != nil {
		return err
	}

	if opts.listenMetrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Log("addr", opts.listenMetrics, "metrics", "/metrics")
			if err := http.ListenAndServe(opts.listenMetrics, mux); err != nil {
				logger.Log("err", err)
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Deploy once immediately, then on every interval tick. Being told
	// to stop mid-build is handled inside Deploy: the build is
	// cancelled and nothing is recorded.
	syncTimer := time.NewTimer(0)
	for {
		select {
		case sig := <-shutdown:
			logger.Log("stopping", "true", "signal", sig.String())
			if !syncTimer.Stop() {
				select {
				case <-syncTimer.C:
				default:
				}
			}
			return nil
		case <-syncTimer.C:
			opts.sync(d)
			syncTimer.Reset(opts.interval)
		}
	}
}

// sync performs one select-and-deploy pass under the overlap lock.
func (opts *daemonOpts) sync(d *deploy.Deployer) {
	logger := opts.Logger

	lock, err := guard.Acquire(opts.Config.LockFile)
	if err == guard.ErrHeld {
		logger.Log("info", "another deploy is already running; skipping this pass")
		return
	}
	if err != nil {
		logger.Log("err", err)
		return
	}
	defer lock.Release()

	if guard.BuildRunning() {
		logger.Log("info", "a rebuild is already running; skipping this pass")
		return
	}

	ctx := context.Background()
	target, err := d.SelectTarget(ctx)
	if err != nil {
		logger.Log("err", err)
		return
	}
	if !target.IsNew {
		return
	}
	logger.Log("info", "deploying", "branch", target.Branch, "commit", target.Commit.Short())
	d.Deploy(ctx, target, opts.magicRollback, nil)
}
