package git

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
)

// Identity used for any commits made on the bookkeeping branches. Pinned
// so that bookkeeping refs are reproducible regardless of the invoking
// user's environment.
const (
	authorName  = "pulld"
	authorEmail = "pulld@localhost"
)

// Env vars that are allowed to be inherited from the OS. Git follows the
// curl conventions for proxies, so HTTP_PROXY is intentionally missing.
var allowedEnvVars = []string{
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY",
	"GIT_PROXY_COMMAND",
	// ssh needs these to find keys and known_hosts
	"HOME", "SSH_AUTH_SOCK",
	"PATH",
}

func env() []string {
	env := []string{
		"GIT_TERMINAL_PROMPT=0",
		// ignore ambient configuration; only what we set here applies
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_AUTHOR_NAME=" + authorName,
		"GIT_AUTHOR_EMAIL=" + authorEmail,
		"GIT_COMMITTER_NAME=" + authorName,
		"GIT_COMMITTER_EMAIL=" + authorEmail,
	}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// execGitCmd runs a `git` command with the supplied arguments in dir, and
// returns its trimmed stdout. A non-zero exit is returned as an *Error
// carrying the exit code and the combined output.
func execGitCmd(ctx context.Context, dir string, args ...string) (string, error) {
	c := exec.CommandContext(ctx, "git", args...)
	c.Dir = dir
	c.Env = env()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	c.Stdout = stdout
	c.Stderr = stderr

	err := c.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return "", &Error{
			Args:   args,
			Code:   code,
			Output: stdout.String() + stderr.String(),
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
