package git

import (
	"fmt"
	"strings"
)

// Error is returned for git invocations that exit non-zero. It carries
// the exit code so callers can distinguish answers encoded as exit
// statuses (merge-base --is-ancestor) from real failures.
type Error struct {
	Args   []string
	Code   int
	Output string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("git %s: exit code %d", strings.Join(e.Args, " "), e.Code)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = msg + ": " + firstLine(out)
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// exitCode returns the git exit code if err is an *Error, or -1.
func exitCode(err error) int {
	if gerr, ok := err.(*Error); ok {
		return gerr.Code
	}
	return -1
}
