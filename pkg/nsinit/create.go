//go:build linux

package nsinit

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
)

// InitProcFlag makes the binary act as the namespace helper instead of
// the CLI. It must be handled before anything else parses arguments.
const InitProcFlag = "--init-proc"

const (
	renameAttempts = 100
	renameInterval = 10 * time.Millisecond
)

// Create starts a new init in fresh PID and mount namespaces. It returns
// once the init program has been executed, or with the helper's error
// if mounting or executing failed.
func (s *Supervisor) Create() (Process, error) {
	self := s.opts.Self
	if self == "" {
		var err error
		if self, err = os.Executable(); err != nil {
			return Process{}, errors.Wrap(err, "cannot determine own executable path")
		}
	}

	// The helper reports failures on this pipe. It is close-on-exec in
	// the helper, so a successful exec reads as EOF.
	r, w, err := os.Pipe()
	if err != nil {
		return Process{}, errors.Wrap(err, "creating error pipe")
	}
	defer r.Close()

	args := append([]string{InitProcFlag, s.opts.InitPath}, s.opts.InitArgs...)
	cmd := exec.Command(self, args...)
	cmd.Env = []string{}
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWPID | syscall.CLONE_NEWNS,
		Setsid:     true,
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		return Process{}, errors.Wrap(err, "starting init in new namespaces")
	}
	w.Close()

	msg, err := io.ReadAll(r)
	if err != nil || len(msg) > 0 {
		_ = cmd.Wait()
		if err != nil {
			return Process{}, errors.Wrap(err, "reading init helper status")
		}
		return Process{}, errors.Errorf("init helper: %s", strings.TrimSpace(string(msg)))
	}

	pid := cmd.Process.Pid
	s.log.WithFields(logrus.Fields{
		"pid":  pid,
		"init": s.opts.InitPath,
	}).Info("init started")
	if err := cmd.Process.Release(); err != nil {
		return Process{}, errors.Wrap(err, "releasing init process")
	}
	if err := s.waitRenamed(pid); err != nil {
		return Process{}, err
	}
	return Process{PID: pid, Comm: s.opts.Name}, nil
}

// waitRenamed waits for the process table to show pid under the init
// name. The error pipe closes during exec slightly before the kernel
// renames the task, and Locate must find the init once Create returns.
func (s *Supervisor) waitRenamed(pid int) error {
	fs, err := procfs.NewFS(s.opts.ProcRoot)
	if err != nil {
		return errors.Wrapf(err, "opening %s", s.opts.ProcRoot)
	}
	var comm string
	for i := 0; i < renameAttempts; i++ {
		p, err := fs.Proc(pid)
		if err != nil {
			return errors.Wrapf(err, "init %d exited", pid)
		}
		if comm, err = p.Comm(); err == nil && comm == s.opts.Name {
			return nil
		}
		time.Sleep(renameInterval)
	}
	return errors.Errorf("init %d runs as %q, expected %q", pid, comm, s.opts.Name)
}
