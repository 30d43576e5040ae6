// Package nix wraps the nix toolchain: archiving a configuration tree
// into the store, building it (locally or on a remote builder over ssh),
// installing the result as the system profile, and activating it. Each
// failing operation reports a distinct outcome so that callers can
// sequence retries and fallbacks.
package nix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Action is the switch-to-configuration action to perform.
type Action string

const (
	// ActionSwitch activates the configuration now and adds it to the
	// boot menu.
	ActionSwitch Action = "switch"
	// ActionTest activates the configuration now without touching the
	// boot menu.
	ActionTest Action = "test"
	// ActionBoot makes the configuration the boot default without
	// activating it.
	ActionBoot Action = "boot"
)

const (
	storePrefix   = "/nix/store"
	systemProfile = "/nix/var/nix/profiles/system"

	// how long ssh waits before a builder is considered unreachable
	sshConnectTimeout = 3
)

var experimentalFeatures = []string{"--extra-experimental-features", "nix-command flakes"}

// Client runs nix commands.
type Client struct{}

func NewClient() *Client { return &Client{} }

// run executes a nix subcommand, optionally on a remote over ssh, and
// returns its stdout. Cancellation of ctx kills the process and yields
// OutcomeCancelled; ssh's exit code 255 yields OutcomeConnectionFailed.
func (c *Client) run(ctx context.Context, remote *Remote, subcommand ...string) (string, error) {
	args := append([]string{}, experimentalFeatures...)
	args = append(args, subcommand...)

	var cmd *exec.Cmd
	if remote != nil {
		sshArgs := []string{
			"-o", fmt.Sprintf("ConnectTimeout=%d", sshConnectTimeout),
			remote.Host, "-p", strconv.Itoa(remote.Port), "--", "nix",
		}
		for _, a := range args {
			sshArgs = append(sshArgs, shellQuote(a))
		}
		cmd = exec.CommandContext(ctx, "ssh", sshArgs...)
	} else {
		cmd = exec.CommandContext(ctx, "nix", args...)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	outcome := OutcomeFailed
	code := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	switch {
	case ctx.Err() == context.Canceled:
		outcome = OutcomeCancelled
	case remote != nil && code == 255:
		outcome = OutcomeConnectionFailed
	}
	return "", &CommandError{
		Outcome: outcome,
		Code:    code,
		Stderr:  stderr.String(),
		Args:    cmd.Args,
	}
}

// Archive copies the configuration tree at flakeDir, with its inputs,
// into the store and returns the resulting content-addressed path.
func (c *Client) Archive(ctx context.Context, flakeDir string) (string, error) {
	out, err := c.run(ctx, nil, "flake", "archive", "--json", flakeDir)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return "", errors.Wrap(err, "parsing nix flake archive output")
	}
	return parsed.Path, nil
}

// Copy transfers a store path between hosts. A nil Remote on either end
// means this machine; with both ends local there is nothing to do.
func (c *Client) Copy(ctx context.Context, storePath string, from, to *Remote) error {
	if from == nil && to == nil {
		return nil
	}
	args := []string{"copy", "--no-check-sigs"}
	if from != nil {
		args = append(args, "--from", from.storeURL())
	}
	if to != nil {
		args = append(args, "--to", to.storeURL())
	}
	args = append(args, storePath)

	_, err := c.run(ctx, nil, args...)
	if cerr, ok := err.(*CommandError); ok {
		// `nix copy` runs locally; an unreachable peer shows up as an
		// ssh failure in its stderr, not as exit code 255.
		if cerr.Code == 1 && strings.Contains(cerr.Stderr, "failed to start SSH connection") {
			cerr.Outcome = OutcomeConnectionFailed
		}
	}
	return err
}

// Build realises the installable and returns its output path. The build
// runs on remote when given, in which case the inputs must already be
// there.
func (c *Client) Build(ctx context.Context, installable string, remote *Remote) (string, error) {
	args := []string{"build", "--no-link", "--print-out-paths", installable}
	out, err := c.run(ctx, remote, args...)
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(out)
	if !strings.HasPrefix(path, storePrefix) {
		return "", &CommandError{Outcome: OutcomeNoOutput, Args: append([]string{"nix"}, args...)}
	}
	return path, nil
}

// SetSystemProfile installs outPath as the current system profile, so
// that it survives garbage collection and appears in the generation
// history.
func (c *Client) SetSystemProfile(ctx context.Context, outPath string) error {
	cmd := exec.CommandContext(ctx, "nix-env", "-p", systemProfile, "--set", outPath)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return &CommandError{Outcome: OutcomeFailed, Code: code, Stderr: stderr.String(), Args: cmd.Args}
	}
	return nil
}

// SwitchToConfiguration invokes the activation script of the built
// system with the given action.
func (c *Client) SwitchToConfiguration(ctx context.Context, outPath string, action Action, installBootloader bool) error {
	cmd := exec.CommandContext(ctx, filepath.Join(outPath, "bin/switch-to-configuration"), string(action))
	if installBootloader {
		cmd.Env = append(os.Environ(), "NIXOS_INSTALL_BOOTLOADER=1")
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return &CommandError{Outcome: OutcomeFailed, Code: code, Stderr: stderr.String(), Args: cmd.Args}
	}
	return nil
}

// CurrentGeneration returns the store path of the currently active
// system, for rolling back to. Recorded before a deploy mutates
// anything.
func CurrentGeneration() (string, error) {
	path, err := filepath.EvalSymlinks("/run/current-system")
	if err != nil {
		return "", errors.Wrap(err, "resolving current system generation")
	}
	return path, nil
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
