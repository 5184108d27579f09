//go:build linux

package ptyfwd

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// rawFd returns the descriptor behind f. Unlike (*os.File).Fd it leaves
// the blocking mode of the open file description alone.
func rawFd(f *os.File) (int, error) {
	sc, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := sc.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// sizeFile duplicates fd for the pty size helpers. They go through Fd,
// and the duplicate is a file Go never made non-blocking, so that call
// cannot flip the shared description back to blocking mode.
func sizeFile(fd int, name string) (*os.File, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "duplicating %s", name)
	}
	return os.NewFile(uintptr(dup), name), nil
}
