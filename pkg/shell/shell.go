//go:build linux

// Package shell runs one interactive session: it hands the slave side of
// a fresh PTY to a transient unit and forwards the local terminal to the
// master side until the shell exits.
package shell

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rsturla/sdshell/pkg/dbus"
	"github.com/rsturla/sdshell/pkg/ptyfwd"
	"github.com/rsturla/sdshell/pkg/transient"
)

// UnitStarter starts a transient unit and returns its job path.
type UnitStarter interface {
	Start(ctx context.Context, u *transient.Unit) (dbus.ObjectPath, error)
}

// Options configures a session.
type Options struct {
	Unit transient.Options

	// Stdin and Stdout are the local terminal. Default os.Stdin and
	// os.Stdout.
	Stdin  *os.File
	Stdout *os.File

	// ReadyAttempts and ReadyInterval bound the wait for the shell to
	// write its first output.
	ReadyAttempts int
	ReadyInterval time.Duration
}

// Run starts a shell through starter and forwards the terminal to it.
// It returns nil once the shell has closed the terminal.
func Run(ctx context.Context, starter UnitStarter, opts Options, log *logrus.Entry) error {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.ReadyAttempts < 1 {
		opts.ReadyAttempts = 30
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = 100 * time.Millisecond
	}

	master, slave, err := pty.Open()
	if err != nil {
		return errors.Wrap(err, "opening pty")
	}
	defer master.Close()

	unit, err := transient.NewUnit(slave.Name(), opts.Unit)
	if err != nil {
		slave.Close()
		return err
	}
	log = log.WithFields(logrus.Fields{"unit": unit.Name, "tty": unit.TTYPath})

	job, err := starter.Start(ctx, unit)
	// The unit opens the slave by path; our handle would keep the
	// terminal alive after the shell exits.
	slave.Close()
	if err != nil {
		return errors.Wrapf(err, "starting %s", unit.Name)
	}
	log.WithField("job", job).Debug("unit started")

	if err := pty.InheritSize(opts.Stdout, master); err != nil {
		log.WithError(err).Debug("initial window size not copied")
	}

	if err := ptyfwd.WaitReady(master, opts.Stdout, opts.ReadyAttempts, opts.ReadyInterval); err != nil {
		return err
	}
	return ptyfwd.New(opts.Stdin, opts.Stdout, master, log).Run()
}
