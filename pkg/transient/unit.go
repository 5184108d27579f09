// Package transient describes the interactive shell as a transient
// systemd service and asks the service manager to start it.
package transient

import (
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultCommand runs when no command is configured.
var DefaultCommand = []string{"/bin/bash", "-l"}

// DefaultInherit lists the variables copied from the caller's environment
// when no allow-list is configured.
var DefaultInherit = []string{"TERM"}

// Exec is the single ExecStart entry of a unit.
type Exec struct {
	Path string
	Argv []string
	// IgnoreFailure is the third member of the ExecStart tuple. A unit
	// whose command exits non-zero is then not marked failed.
	IgnoreFailure bool
}

// Unit describes one transient shell service. Its standard streams are
// always connected to TTYPath.
type Unit struct {
	Name             string
	Description      string
	User             string
	WorkingDirectory string
	TTYPath          string
	Exec             Exec
	Environment      []string
}

// Options is what the caller chooses about a shell unit.
type Options struct {
	// Prefix is the template part of the unit name.
	Prefix      string
	Description string
	User        string
	// Command is argv of the shell; the first element is also the path.
	Command []string
	// Env entries are KEY=VALUE and come first in the environment.
	Env []string
	// Inherit names variables copied from Lookup when set there.
	Inherit []string
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// PTYID returns the numeric suffix of a PTY slave path, for example "3"
// for /dev/pts/3.
func PTYID(ttyPath string) (string, error) {
	id := path.Base(ttyPath)
	if id == "" || id == "." || id == "/" {
		return "", errors.Errorf("pty path %q has no id", ttyPath)
	}
	if _, err := strconv.ParseUint(id, 10, 32); err != nil {
		return "", errors.Errorf("pty path %q does not end in a number", ttyPath)
	}
	return id, nil
}

// NewUnit builds the unit for a shell attached to ttyPath.
func NewUnit(ttyPath string, opts Options) (*Unit, error) {
	if opts.Prefix == "" || strings.ContainsAny(opts.Prefix, "@/") {
		return nil, errors.Errorf("invalid unit prefix %q", opts.Prefix)
	}
	id, err := PTYID(ttyPath)
	if err != nil {
		return nil, err
	}

	argv := opts.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	user := opts.User
	if user == "" {
		user = "root"
	}
	inherit := opts.Inherit
	if inherit == nil {
		inherit = DefaultInherit
	}
	desc := opts.Description
	if desc == "" {
		desc = "Interactive shell on " + ttyPath
	}

	return &Unit{
		Name:             opts.Prefix + "@" + id + ".service",
		Description:      desc,
		User:             user,
		WorkingDirectory: "~",
		TTYPath:          ttyPath,
		Exec: Exec{
			Path:          argv[0],
			Argv:          append([]string(nil), argv...),
			IgnoreFailure: true,
		},
		Environment: Environment(opts.Env, inherit, opts.Lookup),
	}, nil
}
