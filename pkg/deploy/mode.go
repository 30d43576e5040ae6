package deploy

import (
	"github.com/pkg/errors"

	"github.com/pulld/pulld/pkg/nix"
)

// Mode is the activation strategy for a deploy.
type Mode int

const (
	// ModeTest activates the configuration without adding it to the
	// boot profile.
	ModeTest Mode = iota
	// ModeSwitch activates immediately and makes the configuration the
	// boot default.
	ModeSwitch
	// ModeBoot only makes the configuration the boot default; it takes
	// effect at the next boot.
	ModeBoot
	// ModeReboot makes the configuration the boot default and reboots.
	ModeReboot
	// ModeRebootOnKernelChange behaves like ModeTest when the kernel
	// and initrd are unchanged, like ModeReboot otherwise.
	ModeRebootOnKernelChange
)

func (m Mode) String() string {
	switch m {
	case ModeTest:
		return "test"
	case ModeSwitch:
		return "switch"
	case ModeBoot:
		return "boot"
	case ModeReboot:
		return "reboot"
	case ModeRebootOnKernelChange:
		return "reboot-on-kernel-change"
	}
	return "unknown"
}

// ParseMode parses the configuration spelling of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "test":
		return ModeTest, nil
	case "switch":
		return ModeSwitch, nil
	case "boot":
		return ModeBoot, nil
	case "reboot":
		return ModeReboot, nil
	case "reboot-on-kernel-change", "reboot_on_kernel_change":
		return ModeRebootOnKernelChange, nil
	}
	return 0, errors.Errorf("unknown deploy mode %q", s)
}

// activationAction maps a mode to the initial switch-to-configuration
// action. Anything that is not an immediate activation becomes a boot
// entry.
func (m Mode) activationAction() nix.Action {
	switch m {
	case ModeSwitch:
		return nix.ActionSwitch
	case ModeTest:
		return nix.ActionTest
	default:
		return nix.ActionBoot
	}
}

// rollbackAction maps a mode to the action used when reverting to the
// previous generation.
func (m Mode) rollbackAction() nix.Action {
	if m == ModeSwitch {
		return nix.ActionSwitch
	}
	return nix.ActionTest
}

// installsProfile reports whether a deploy in this mode records the
// build in the system profile. Test activations are ephemeral.
func (m Mode) installsProfile() bool {
	return m != ModeTest
}

// BranchClass distinguishes the canonical line of history from
// host-scoped testing branches.
type BranchClass int

const (
	ClassMain BranchClass = iota
	ClassTesting
)

func (c BranchClass) String() string {
	if c == ClassTesting {
		return "testing"
	}
	return "main"
}
