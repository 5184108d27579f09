//go:build linux

// Package nsinit finds, starts and stops the nested init process that
// runs in its own PID and mount namespaces.
package nsinit

import (
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Process identifies a running init by its PID as seen from the caller.
type Process struct {
	PID  int
	Comm string
}

// Options configures a Supervisor.
type Options struct {
	// InitPath is executed inside the new namespaces, InitArgs after it.
	InitPath string
	InitArgs []string
	// Name is the command name of the init in the process table.
	Name string
	// ProcRoot is where procfs is mounted. Defaults to /proc.
	ProcRoot string
	// ForeignOnly skips processes in the caller's own PID namespace, so
	// the host init is never mistaken for the nested one.
	ForeignOnly bool
	// Self is the binary re-executed as the namespace helper. Defaults to
	// the running executable.
	Self string
}

// Supervisor manages the nested init.
type Supervisor struct {
	opts Options
	log  *logrus.Entry
}

// New returns a Supervisor. A nil log discards messages.
func New(opts Options, log *logrus.Entry) *Supervisor {
	if opts.ProcRoot == "" {
		opts.ProcRoot = procfs.DefaultMountPoint
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Supervisor{opts: opts, log: log}
}

// Locate returns the init with the lowest PID whose command name matches.
// It fails only when the process table cannot be listed; entries that
// vanish or cannot be read while scanning are skipped.
func (s *Supervisor) Locate() (Process, bool, error) {
	fs, err := procfs.NewFS(s.opts.ProcRoot)
	if err != nil {
		return Process{}, false, errors.Wrapf(err, "opening %s", s.opts.ProcRoot)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return Process{}, false, errors.Wrap(err, "listing processes")
	}
	sort.Sort(procs)

	var ownNS uint32
	if s.opts.ForeignOnly {
		self, err := fs.Self()
		if err != nil {
			return Process{}, false, errors.Wrap(err, "finding own process")
		}
		ns, err := self.Namespaces()
		if err != nil {
			return Process{}, false, errors.Wrap(err, "reading own namespaces")
		}
		ownNS = ns["pid"].Inode
	}

	for _, p := range procs {
		log := s.log.WithField("pid", p.PID)
		comm, err := p.Comm()
		if err != nil {
			log.WithError(err).Debug("skipping unreadable process")
			continue
		}
		if comm != s.opts.Name {
			continue
		}
		if s.opts.ForeignOnly {
			ns, err := p.Namespaces()
			if err != nil {
				log.WithError(err).Debug("skipping process with unreadable namespaces")
				continue
			}
			pidNS, ok := ns["pid"]
			if !ok || pidNS.Inode == ownNS {
				continue
			}
		}
		log.Debug("found init")
		return Process{PID: p.PID, Comm: comm}, true, nil
	}
	return Process{}, false, nil
}

// Ensure returns the running init, starting one if there is none.
func (s *Supervisor) Ensure() (Process, error) {
	p, ok, err := s.Locate()
	if err != nil {
		return Process{}, err
	}
	if ok {
		return p, nil
	}
	s.log.Info("no init running, starting one")
	return s.Create()
}

// Shutdown kills the init. A process that is already gone is not an
// error.
func (s *Supervisor) Shutdown(pid int) error {
	err := unix.Kill(pid, unix.SIGKILL)
	if err == unix.ESRCH {
		s.log.WithField("pid", pid).Debug("init already gone")
		return nil
	}
	return errors.Wrapf(err, "killing init %d", pid)
}
