package nix

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"

	"github.com/pkg/errors"
)

// BootedSystem is where the running kernel's system closure is linked.
const BootedSystem = "/run/booted-system"

const bootspecKey = "org.nixos.bootspec.v1"

// Bootspec is the subset of a system's boot specification needed to
// decide whether activating it requires a reboot.
type Bootspec struct {
	Kernel string `json:"kernel"`
	Initrd string `json:"initrd"`
}

// SameKernel reports whether both systems boot the identical kernel and
// initrd, in which case the new one can be activated in place.
func (b Bootspec) SameKernel(other Bootspec) bool {
	return b.Kernel == other.Kernel && b.Initrd == other.Initrd
}

// ReadBootspec reads the boot specification record of the system closure
// at systemPath.
func (c *Client) ReadBootspec(systemPath string) (Bootspec, error) {
	raw, err := ioutil.ReadFile(filepath.Join(systemPath, "boot.json"))
	if err != nil {
		return Bootspec{}, errors.Wrap(err, "reading boot.json")
	}
	var doc map[string]Bootspec
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Bootspec{}, errors.Wrap(err, "parsing boot.json")
	}
	spec, ok := doc[bootspecKey]
	if !ok {
		return Bootspec{}, errors.Errorf("no %s document in %s/boot.json", bootspecKey, systemPath)
	}
	return spec, nil
}
