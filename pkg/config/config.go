// Package config holds the tunables of sdshell: where the nested init
// lives, how shell units are named and started, and how long to wait for
// the bus and the PTY. Values come from built-in defaults, an optional
// YAML file, SDSHELL_* environment variables and command line flags, in
// that order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. A missing file is
// not an error.
const DefaultPath = "/etc/sdshell/config.yaml"

// Environment variables understood by ApplyEnv.
const (
	EnvArgs       = "SDSHELL_ARGS"
	EnvEnvs       = "SDSHELL_ENVS"
	EnvEnvInherit = "SDSHELL_ENV_INHERIT"
)

// Config is the full sdshell configuration.
type Config struct {
	Init InitConfig `yaml:"init"`
	Unit UnitConfig `yaml:"unit"`
	Bus  BusConfig  `yaml:"bus"`
	PTY  PTYConfig  `yaml:"pty"`
	Log  LogConfig  `yaml:"log"`
}

// InitConfig describes the nested init process.
type InitConfig struct {
	// Path is executed inside the new namespaces.
	Path string `yaml:"path"`
	// Args are passed after argv[0].
	Args []string `yaml:"args,omitempty"`
	// Name is the command name the process table reports for it.
	Name string `yaml:"name"`
	// ProcRoot is where procfs is mounted on the host.
	ProcRoot string `yaml:"proc_root"`
	// ForeignOnly ignores processes in the caller's own PID namespace.
	ForeignOnly bool `yaml:"foreign_only"`
}

// UnitConfig describes the transient shell unit.
type UnitConfig struct {
	Prefix      string   `yaml:"prefix"`
	Description string   `yaml:"description"`
	Command     []string `yaml:"command"`
	Env         []string `yaml:"env,omitempty"`
	EnvInherit  []string `yaml:"env_inherit"`
	User        string   `yaml:"user"`
}

// BusConfig controls the connection to the service manager.
type BusConfig struct {
	// Address overrides DBUS_SYSTEM_BUS_ADDRESS when set.
	Address      string        `yaml:"address,omitempty"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	// DialTimeout bounds one connect and authentication attempt.
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	DialAttempts int           `yaml:"dial_attempts"`
	DialBackoff  time.Duration `yaml:"dial_backoff"`
}

// PTYConfig controls the wait for the remote shell to attach.
type PTYConfig struct {
	ReadyAttempts int           `yaml:"ready_attempts"`
	ReadyInterval time.Duration `yaml:"ready_interval"`
}

// LogConfig sets the logrus level name.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Init: InitConfig{
			Path:        "/lib/systemd/systemd",
			Name:        "systemd",
			ProcRoot:    "/proc",
			ForeignOnly: true,
		},
		Unit: UnitConfig{
			Prefix:      "sdshell",
			Description: "sdshell interactive shell",
			Command:     []string{"/bin/bash", "-l"},
			EnvInherit:  []string{"TERM"},
			User:        "root",
		},
		Bus: BusConfig{
			CallTimeout:  3 * time.Second,
			DialTimeout:  3 * time.Second,
			DialAttempts: 10,
			DialBackoff:  500 * time.Millisecond,
		},
		PTY: PTYConfig{
			ReadyAttempts: 30,
			ReadyInterval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. When
// path is empty DefaultPath is tried and silently skipped if absent.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// ApplyEnv overlays the SDSHELL_* variables found through lookup:
// SDSHELL_ARGS is a whitespace separated command line, SDSHELL_ENVS a
// comma separated KEY=VALUE list and SDSHELL_ENV_INHERIT a comma
// separated list of variable names.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvArgs); ok && strings.TrimSpace(v) != "" {
		c.Unit.Command = strings.Fields(v)
	}
	if v, ok := lookup(EnvEnvs); ok {
		c.Unit.Env = splitList(v)
	}
	if v, ok := lookup(EnvEnvInherit); ok {
		c.Unit.EnvInherit = splitList(v)
	}
}

func splitList(s string) []string {
	out := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// BindFlags registers the flags that override individual settings.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&c.Init.Path, "init", c.Init.Path, "Init program to run inside the namespace")
	fs.StringVar(&c.Bus.Address, "bus-address", c.Bus.Address, "D-Bus address of the service manager")
	fs.DurationVar(&c.Bus.CallTimeout, "call-timeout", c.Bus.CallTimeout, "Timeout for the StartTransientUnit call")
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Init.Path == "":
		return errors.New("init.path is empty")
	case c.Init.Name == "":
		return errors.New("init.name is empty")
	case c.Unit.Prefix == "" || strings.ContainsAny(c.Unit.Prefix, "@/ "):
		return errors.Errorf("unit.prefix %q is not a valid unit name prefix", c.Unit.Prefix)
	case len(c.Unit.Command) == 0:
		return errors.New("unit.command is empty")
	case c.Bus.CallTimeout <= 0:
		return errors.New("bus.call_timeout must be positive")
	case c.Bus.DialTimeout <= 0:
		return errors.New("bus.dial_timeout must be positive")
	case c.Bus.DialAttempts < 1:
		return errors.New("bus.dial_attempts must be at least 1")
	case c.PTY.ReadyAttempts < 1:
		return errors.New("pty.ready_attempts must be at least 1")
	}
	for _, kv := range c.Unit.Env {
		if !strings.Contains(kv, "=") {
			return errors.Errorf("unit.env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}
