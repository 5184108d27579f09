//go:build linux

// Package dbus is a small, self-contained D-Bus client: a wire format
// encoder and decoder, SASL EXTERNAL authentication and blocking method
// calls over a unix socket. It implements exactly what is needed to ask a
// service manager to start a unit; it does not do introspection, signal
// subscriptions or name ownership.
package dbus

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/criyle/go-sandbox/pkg/unixsocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultSystemBusAddress is used when DBUS_SYSTEM_BUS_ADDRESS is unset.
const DefaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

const (
	busName      = "org.freedesktop.DBus"
	busPath      = ObjectPath("/org/freedesktop/DBus")
	busInterface = "org.freedesktop.DBus"
)

// SystemBusAddress returns the address of the system bus.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return DefaultSystemBusAddress
}

// Conn is an authenticated connection to a message bus. It is not safe
// for concurrent use.
type Conn struct {
	sock   *unixsocket.Socket
	r      *bufio.Reader
	serial uint32
	name   string
	guid   string
	log    *logrus.Entry
}

// Dial connects to the first reachable entry of address, authenticates
// and registers with the bus. Connection failures are returned unwrapped
// enough for IsConnRefused to recognise them.
func Dial(ctx context.Context, address string, log *logrus.Entry) (*Conn, error) {
	if log == nil {
		log = discardLogger()
	}
	sas, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, sa := range sas {
		c, err := dialUnix(sa, log)
		if err != nil {
			log.WithError(err).WithField("socket", sa.Name).Debug("bus socket unreachable")
			lastErr = err
			continue
		}
		if err := c.handshake(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
	return nil, lastErr
}

func dialUnix(sa *unix.SockaddrUnix, log *logrus.Entry) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "creating bus socket")
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, &os.SyscallError{Syscall: "connect " + sa.Name, Err: err}
	}
	sock, err := unixsocket.NewSocket(fd)
	if err != nil {
		return nil, errors.Wrap(err, "wrapping bus socket")
	}
	return &Conn{
		sock: sock,
		r:    bufio.NewReader(sock),
		log:  log.WithField("socket", sa.Name),
	}, nil
}

// IsConnRefused reports whether err means nobody is listening on the bus
// socket yet, which is normal while the service manager is starting.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}

// parseAddress understands the unix:path= and unix:abstract= transports.
// Entries are separated by semicolons and tried in order.
func parseAddress(address string) ([]*unix.SockaddrUnix, error) {
	var out []*unix.SockaddrUnix
	for _, entry := range strings.Split(address, ";") {
		if entry == "" {
			continue
		}
		transport, params, ok := strings.Cut(entry, ":")
		if !ok || transport != "unix" {
			continue
		}
		kv := map[string]string{}
		for _, p := range strings.Split(params, ",") {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			uv, err := url.PathUnescape(v)
			if err != nil {
				return nil, errors.Wrapf(err, "bus address %q", entry)
			}
			kv[k] = uv
		}
		switch {
		case kv["path"] != "":
			out = append(out, &unix.SockaddrUnix{Name: kv["path"]})
		case kv["abstract"] != "":
			out = append(out, &unix.SockaddrUnix{Name: "@" + kv["abstract"]})
		}
	}
	if len(out) == 0 {
		return nil, errors.Errorf("no usable unix transport in bus address %q", address)
	}
	return out, nil
}

// watch applies the context deadline to the socket and interrupts
// blocked I/O when the context is cancelled. The returned function
// undoes both.
func (c *Conn) watch(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = c.sock.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.sock.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = c.sock.SetDeadline(time.Time{})
	}
}

func (c *Conn) handshake(ctx context.Context) error {
	defer c.watch(ctx)()

	// The credentials byte must come first; the daemon checks it against
	// the peer credentials of the socket.
	cred := &syscall.Ucred{
		Pid: int32(os.Getpid()),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	if err := c.sock.SendMsg([]byte{0}, unixsocket.Msg{Cred: cred}); err != nil {
		return c.ctxErr(ctx, errors.Wrap(err, "sending credentials byte"))
	}

	uid := strconv.Itoa(os.Geteuid())
	if _, err := io.WriteString(c.sock, "AUTH EXTERNAL "+hex.EncodeToString([]byte(uid))+"\r\n"); err != nil {
		return c.ctxErr(ctx, errors.Wrap(err, "sending AUTH"))
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return c.ctxErr(ctx, errors.Wrap(err, "reading AUTH response"))
	}
	fields := strings.Fields(line)
	switch {
	case len(fields) >= 1 && fields[0] == "OK":
		if len(fields) > 1 {
			c.guid = fields[1]
		}
	case len(fields) >= 1 && fields[0] == "REJECTED":
		return errors.Wrapf(ErrAuth, "bus offered %v", fields[1:])
	default:
		return errors.Wrapf(ErrAuth, "unexpected response %q", strings.TrimSpace(line))
	}
	if _, err := io.WriteString(c.sock, "BEGIN\r\n"); err != nil {
		return c.ctxErr(ctx, errors.Wrap(err, "sending BEGIN"))
	}

	reply, err := c.Call(ctx, NewMethodCall(busName, busPath, busInterface, "Hello"))
	if err != nil {
		return errors.Wrap(err, "registering with the bus")
	}
	args, err := reply.Args()
	if err != nil {
		return errors.Wrap(err, "decoding Hello reply")
	}
	if len(args) == 1 {
		c.name, _ = args[0].(string)
	}
	c.log.WithFields(logrus.Fields{"name": c.name, "guid": c.guid}).Debug("connected to bus")
	return nil
}

func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, err.Error())
	}
	// The socket deadline mirrors the context deadline and can fire a
	// moment before the context notices.
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Wrap(context.DeadlineExceeded, err.Error())
	}
	return err
}

// UniqueName is the name the bus assigned to this connection.
func (c *Conn) UniqueName() string {
	return c.name
}

// Call sends m and blocks until the matching reply arrives or ctx is
// done. Signals and replies to other calls are discarded. An error reply
// is returned as *Error.
func (c *Conn) Call(ctx context.Context, m *Message) (*Message, error) {
	defer c.watch(ctx)()

	c.serial++
	m.Serial = c.serial
	data, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := c.sock.Write(data); err != nil {
		return nil, c.ctxErr(ctx, errors.Wrapf(err, "sending %s", m.Member))
	}

	for {
		reply, err := ReadMessage(c.r)
		if err != nil {
			return nil, c.ctxErr(ctx, errors.Wrapf(err, "waiting for reply to %s", m.Member))
		}
		if (reply.Type != TypeMethodReturn && reply.Type != TypeError) || reply.ReplySerial != m.Serial {
			c.log.WithFields(logrus.Fields{
				"type":   reply.Type,
				"member": reply.Member,
			}).Debug("skipping unrelated message")
			continue
		}
		if reply.Type == TypeError {
			return nil, reply.AsError()
		}
		return reply, nil
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.sock.Close()
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
