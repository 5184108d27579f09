//go:build linux

// Package ptyfwd relays a local terminal to the master side of a PTY with
// a single epoll loop, keeping the window size in sync, until the far
// side hangs up.
package ptyfwd

import (
	"encoding/binary"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const bufSize = 4096

// Role tags carried in the epoll event payload.
const (
	tagInput int32 = iota + 1
	tagMaster
	tagSignal
)

// Forwarder copies bytes between a local terminal and a PTY master.
type Forwarder struct {
	in     *os.File
	out    *os.File
	master *os.File
	log    *logrus.Entry

	inFd, outFd, masterFd int
	epfd                  int
	sigfd                 int

	// Private duplicates used only for window size ioctls.
	outSize, masterSize *os.File
}

// New returns a forwarder that reads keystrokes from in, writes the
// remote output to out and talks to master.
func New(in, out, master *os.File, log *logrus.Entry) *Forwarder {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Forwarder{in: in, out: out, master: master, log: log, epfd: -1, sigfd: -1}
}

// Run forwards until reading the master fails with EIO, which is how a
// PTY reports that every slave descriptor was closed. That case returns
// nil. The local terminal is put back the way it was before Run returns,
// whatever happened; a failure to do so is only reported when nothing
// else went wrong.
func (f *Forwarder) Run() (err error) {
	var cleanup cleanupStack
	defer func() {
		cerr := cleanup.unwind(func(name string, err error) {
			f.log.WithError(err).WithField("step", name).Warn("terminal cleanup failed")
		})
		if err == nil && cerr != nil {
			err = errors.Wrap(cerr, "restoring terminal")
		}
	}()

	if err := f.setup(&cleanup); err != nil {
		return err
	}
	return f.loop()
}

func (f *Forwarder) setup(cleanup *cleanupStack) error {
	for _, t := range []struct {
		name string
		file *os.File
		fd   *int
	}{{"input", f.in, &f.inFd}, {"output", f.out, &f.outFd}, {"master", f.master, &f.masterFd}} {
		fd, err := rawFd(t.file)
		if err != nil {
			return errors.Wrapf(err, "getting %s descriptor", t.name)
		}
		*t.fd = fd
	}

	for _, t := range []struct {
		name string
		fd   int
	}{{"input", f.inFd}, {"output", f.outFd}} {
		if !term.IsTerminal(t.fd) {
			f.log.WithField("fd", t.fd).Debugf("%s is not a terminal, leaving modes alone", t.name)
			continue
		}
		state, err := term.MakeRaw(t.fd)
		if err != nil {
			return errors.Wrapf(err, "setting %s raw", t.name)
		}
		fd := t.fd
		cleanup.push("restore "+t.name, func() error {
			return term.Restore(fd, state)
		})
	}

	for _, t := range []struct {
		name string
		fd   int
	}{{"input", f.inFd}, {"master", f.masterFd}} {
		flags, err := unix.FcntlInt(uintptr(t.fd), unix.F_GETFL, 0)
		if err != nil {
			return errors.Wrapf(err, "reading %s flags", t.name)
		}
		if flags&unix.O_NONBLOCK != 0 {
			continue
		}
		if err := unix.SetNonblock(t.fd, true); err != nil {
			return errors.Wrapf(err, "setting %s non-blocking", t.name)
		}
		fd := t.fd
		cleanup.push(t.name+" blocking", func() error {
			return unix.SetNonblock(fd, false)
		})
	}

	for _, t := range []struct {
		name string
		fd   int
		file **os.File
	}{{"output", f.outFd, &f.outSize}, {"master", f.masterFd, &f.masterSize}} {
		file, err := sizeFile(t.fd, t.name)
		if err != nil {
			return err
		}
		*t.file = file
		cleanup.push("close "+t.name+" size handle", file.Close)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "creating epoll instance")
	}
	f.epfd = epfd
	cleanup.push("close epoll", func() error { return unix.Close(epfd) })

	sigfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return errors.Wrap(err, "creating resize eventfd")
	}
	f.sigfd = sigfd
	cleanup.push("close eventfd", func() error { return unix.Close(sigfd) })

	// SIGWINCH is relayed into the eventfd so resizes are handled by the
	// same loop as I/O. The relay must be gone before the eventfd closes.
	winch := make(chan os.Signal, 1)
	relayDone := make(chan struct{})
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		defer close(relayDone)
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		for range winch {
			_, _ = unix.Write(sigfd, one[:])
		}
	}()
	cleanup.push("stop SIGWINCH relay", func() error {
		signal.Stop(winch)
		close(winch)
		<-relayDone
		return nil
	})

	for _, r := range []struct {
		name string
		fd   int
		tag  int32
	}{
		{"input", f.inFd, tagInput},
		{"master", f.masterFd, tagMaster},
		{"resize eventfd", sigfd, tagSignal},
	} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: r.tag}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.fd, &ev); err != nil {
			return errors.Wrapf(err, "watching %s", r.name)
		}
	}
	f.resize()
	return nil
}

func (f *Forwarder) loop() error {
	events := make([]unix.EpollEvent, 8)
	inBuf := make([]byte, bufSize)
	masterBuf := make([]byte, bufSize)

	for {
		n, err := unix.EpollWait(f.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "waiting for events")
		}

		for _, ev := range events[:n] {
			switch ev.Fd {
			case tagSignal:
				f.drainSignal()
				f.resize()
			case tagInput:
				if err := f.pumpInput(inBuf); err != nil {
					return err
				}
			case tagMaster:
				hangup, err := f.pumpMaster(masterBuf)
				if err != nil {
					return err
				}
				if hangup {
					f.log.Debug("remote side hung up")
					return nil
				}
			}
		}
	}
}

// pumpInput moves keystrokes to the master until input would block. A
// zero-length read only ends this round; input stays watched.
func (f *Forwarder) pumpInput(buf []byte) error {
	for {
		n, err := unix.Read(f.inFd, buf)
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return errors.Wrap(err, "reading input")
		case n == 0:
			return nil
		}

		if err := writeAll(f.masterFd, buf[:n]); err != nil {
			if err == unix.EIO {
				// The far end is gone; the master read reports it.
				f.log.WithField("bytes", n).Debug("dropping input, remote side hung up")
				return nil
			}
			return errors.Wrap(err, "writing to pty master")
		}
	}
}

// pumpMaster moves remote output to the local terminal until the master
// would block. It reports hangup when the master read fails with EIO.
func (f *Forwarder) pumpMaster(buf []byte) (bool, error) {
	for {
		n, err := unix.Read(f.masterFd, buf)
		switch {
		case err == unix.EAGAIN:
			return false, nil
		case err == unix.EINTR:
			continue
		case err == unix.EIO:
			return true, nil
		case err != nil:
			return false, errors.Wrap(err, "reading pty master")
		case n == 0:
			return false, nil
		}
		if err := writeAll(f.outFd, buf[:n]); err != nil {
			return false, errors.Wrap(err, "writing output")
		}
	}
}

func (f *Forwarder) drainSignal() {
	var b [8]byte
	_, _ = unix.Read(f.sigfd, b[:])
}

// resize copies the window size of the local terminal to the master.
func (f *Forwarder) resize() {
	size, err := pty.GetsizeFull(f.outSize)
	if err != nil {
		f.log.WithError(err).Debug("reading window size")
		return
	}
	if err := pty.Setsize(f.masterSize, size); err != nil {
		f.log.WithError(err).Debug("setting window size")
		return
	}
	f.log.WithFields(logrus.Fields{"rows": size.Rows, "cols": size.Cols}).Debug("window resized")
}

// writeAll writes all of buf to a possibly non-blocking descriptor,
// waiting for it to become writable whenever it would block.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if n > 0 {
			buf = buf[n:]
		}
		switch err {
		case nil, unix.EINTR:
		case unix.EAGAIN:
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, err := unix.Poll(pfd, -1); err != nil && err != unix.EINTR {
				return err
			}
		default:
			return err
		}
	}
	return nil
}
