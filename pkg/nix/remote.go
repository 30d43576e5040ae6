package nix

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// Remote identifies a build host reachable over ssh. A nil *Remote means
// the local machine.
type Remote struct {
	Host string
	Port int
}

var remotePattern = regexp.MustCompile(
	`^([a-z]+@([a-zA-Z0-9.\-]+|(\[[a-zA-Z0-9:]+\])))(:([1-9][0-9]*))?$`)

// ParseRemote parses "user@host" or "user@host:port" (default port 22).
func ParseRemote(text string) (*Remote, error) {
	m := remotePattern.FindStringSubmatch(text)
	if m == nil {
		return nil, errors.Errorf("cannot parse build remote %q", text)
	}
	port := 22
	if m[5] != "" {
		port, _ = strconv.Atoi(m[5])
	}
	return &Remote{Host: m[1], Port: port}, nil
}

func (r *Remote) String() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// storeURL returns the nix store URL for copying to or from the remote.
func (r *Remote) storeURL() string {
	return fmt.Sprintf("ssh://%s:%d", r.Host, r.Port)
}
