// Package config loads the pulld configuration file.
package config

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/pulld/pulld/pkg/deploy"
	"github.com/pulld/pulld/pkg/nix"
)

// file is the on-disk shape of the configuration.
type file struct {
	WorkingDir string `yaml:"working_dir"`
	Origin     struct {
		URL              string `yaml:"url"`
		Token            string `yaml:"token"`
		TokenFile        string `yaml:"token_file"`
		Main             string `yaml:"main"`
		TestingPrefix    string `yaml:"testing_prefix"`
		TestingSeparator string `yaml:"testing_separator"`
	} `yaml:"origin"`
	DeployModes struct {
		Main    string `yaml:"main"`
		Testing string `yaml:"testing"`
	} `yaml:"deploy_modes"`
	BuildRemotes           []string `yaml:"build_remotes"`
	Hook                   string   `yaml:"hook"`
	Hostname               string   `yaml:"hostname"`
	FlakeAttr              string   `yaml:"flake_attr"`
	RollbackTimeoutSeconds int      `yaml:"rollback_timeout_seconds"`
	RebootDelay            string   `yaml:"reboot_delay"`
	LockFile               string   `yaml:"lock_file"`
}

// Config is the validated, parsed configuration.
type Config struct {
	WorkingDir       string
	OriginURL        string
	MainBranch       string
	TestingPrefix    string
	TestingSeparator string
	MainMode         deploy.Mode
	TestingMode      deploy.Mode
	Remotes          []*nix.Remote
	Hook             string
	Hostname         string
	FlakeAttr        string
	RollbackTimeout  time.Duration
	RebootDelay      string
	LockFile         string
}

const (
	defaultTestingSeparator = "_"
	defaultLockFile         = "/run/pulld.lock"
)

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return Parse(raw)
}

// Parse validates a raw configuration document.
func Parse(raw []byte) (*Config, error) {
	var f file
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}

	if f.WorkingDir == "" {
		return nil, errors.New("working_dir must be set")
	}
	if f.Origin.URL == "" {
		return nil, errors.New("origin.url must be set")
	}
	if f.Origin.Main == "" {
		return nil, errors.New("origin.main must be set")
	}

	originURL, err := resolveToken(f)
	if err != nil {
		return nil, err
	}

	mainMode := deploy.ModeSwitch
	if f.DeployModes.Main != "" {
		if mainMode, err = deploy.ParseMode(f.DeployModes.Main); err != nil {
			return nil, errors.Wrap(err, "deploy_modes.main")
		}
	}
	testingMode := deploy.ModeTest
	if f.DeployModes.Testing != "" {
		if testingMode, err = deploy.ParseMode(f.DeployModes.Testing); err != nil {
			return nil, errors.Wrap(err, "deploy_modes.testing")
		}
	}

	var remotes []*nix.Remote
	for _, r := range f.BuildRemotes {
		if r == "local" {
			remotes = append(remotes, nil)
			continue
		}
		parsed, err := nix.ParseRemote(r)
		if err != nil {
			return nil, errors.Wrap(err, "build_remotes")
		}
		remotes = append(remotes, parsed)
	}

	cfg := &Config{
		WorkingDir:       f.WorkingDir,
		OriginURL:        originURL,
		MainBranch:       f.Origin.Main,
		TestingPrefix:    f.Origin.TestingPrefix,
		TestingSeparator: f.Origin.TestingSeparator,
		MainMode:         mainMode,
		TestingMode:      testingMode,
		Remotes:          remotes,
		Hook:             f.Hook,
		Hostname:         f.Hostname,
		FlakeAttr:        f.FlakeAttr,
		RebootDelay:      f.RebootDelay,
		LockFile:         f.LockFile,
	}
	if cfg.TestingSeparator == "" {
		cfg.TestingSeparator = defaultTestingSeparator
	}
	if cfg.LockFile == "" {
		cfg.LockFile = defaultLockFile
	}
	if f.RollbackTimeoutSeconds > 0 {
		cfg.RollbackTimeout = time.Duration(f.RollbackTimeoutSeconds) * time.Second
	}
	return cfg, nil
}

// resolveToken folds an access token, given inline or as a file, into
// the https origin URL.
func resolveToken(f file) (string, error) {
	token := f.Origin.Token
	if token == "" && f.Origin.TokenFile != "" {
		raw, err := ioutil.ReadFile(f.Origin.TokenFile)
		if err != nil {
			return "", errors.Wrap(err, "reading origin.token_file")
		}
		token = strings.TrimSpace(strings.SplitN(string(raw), "\n", 2)[0])
	}
	if token == "" {
		return f.Origin.URL, nil
	}
	if !strings.HasPrefix(f.Origin.URL, "https://") {
		return "", errors.New("origin token auth requires an https origin.url")
	}
	return strings.Replace(f.Origin.URL, "https://", "https://git:"+token+"@", 1), nil
}
