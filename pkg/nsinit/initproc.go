//go:build linux

package nsinit

import (
	"fmt"
	"os"

	"github.com/criyle/go-sandbox/pkg/mount"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// errPipeFd is where Create passes the error pipe.
const errPipeFd = 3

// InitProc is the --init-proc handler. It runs as PID 1 of the new PID
// namespace: it mounts a fresh /proc that only shows this namespace and
// replaces itself with the init program, using an empty environment.
// It only returns on failure, after reporting the error to the parent.
func InitProc(args []string) error {
	err := initProc(args)
	if pipe := os.NewFile(errPipeFd, "init-errors"); pipe != nil && err != nil {
		fmt.Fprint(pipe, err)
		pipe.Close()
	}
	return err
}

func initProc(args []string) error {
	if len(args) < 1 {
		return errors.New("missing init path")
	}
	path := args[0]

	// Keep the new mounts from propagating back to the host.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return errors.Wrap(err, "making / private")
	}
	proc := mount.Mount{
		Source: "proc",
		Target: "/proc",
		FsType: "proc",
		Flags:  unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV,
	}
	if err := proc.Mount(); err != nil {
		return errors.Wrap(err, "mounting /proc")
	}

	unix.CloseOnExec(errPipeFd)
	if err := unix.Exec(path, args, []string{}); err != nil {
		return errors.Wrapf(err, "exec %s", path)
	}
	return nil
}
