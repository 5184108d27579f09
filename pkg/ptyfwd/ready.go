//go:build linux

package ptyfwd

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNotReady is returned by WaitReady when the far end never wrote
// anything to the terminal.
var ErrNotReady = errors.New("timed out waiting for the shell")

// WaitReady polls master until it yields data, which means a process has
// opened the slave side and written to it. The first bytes read are
// copied to out so they are not lost. EIO and EAGAIN count as not ready
// yet.
func WaitReady(master *os.File, out io.Writer, attempts int, interval time.Duration) error {
	fd, err := rawFd(master)
	if err != nil {
		return errors.Wrap(err, "getting master descriptor")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrap(err, "setting master non-blocking")
	}

	buf := make([]byte, bufSize)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EIO || err == unix.EAGAIN || err == unix.EINTR:
			continue
		case err != nil:
			return errors.Wrap(err, "reading pty master")
		case n == 0:
			continue
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return errors.Wrap(err, "writing first output")
		}
		return nil
	}
	return errors.Wrapf(ErrNotReady, "no output after %d attempts", attempts)
}
