//go:build linux

package transient

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rsturla/sdshell/pkg/dbus"
)

// ErrBusTimeout is returned when the bus socket never accepted a
// connection within the configured attempts.
var ErrBusTimeout = errors.New("timed out waiting for the system bus")

// Starter starts transient units on a service manager.
type Starter struct {
	// Address is the bus address; empty means the system bus.
	Address string
	// CallTimeout bounds the StartTransientUnit call. Default 3s.
	CallTimeout time.Duration
	// DialTimeout bounds each connect, authentication and Hello
	// exchange. Default 3s.
	DialTimeout time.Duration
	// DialAttempts and DialBackoff bound the wait for the bus socket
	// while the service manager is still coming up.
	DialAttempts int
	DialBackoff  time.Duration

	Log *logrus.Entry
}

func (s *Starter) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func (s *Starter) address() string {
	if s.Address != "" {
		return s.Address
	}
	return dbus.SystemBusAddress()
}

// Start asks the service manager to start u and returns the object path
// of the queued job. A structured error from the manager is returned as
// *dbus.Error and is not retried.
func (s *Starter) Start(ctx context.Context, u *Unit) (dbus.ObjectPath, error) {
	req, err := NewRequest(u)
	if err != nil {
		return "", errors.Wrapf(err, "encoding %s", u.Name)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := s.log().WithField("unit", u.Name)
	log.WithField("tty", u.TTYPath).Debug("starting transient unit")
	reply, err := conn.Call(callCtx, req)
	if err != nil {
		var busErr *dbus.Error
		if errors.As(err, &busErr) {
			return "", busErr
		}
		return "", errors.Wrapf(err, "starting %s", u.Name)
	}

	args, err := reply.Args()
	if err != nil {
		return "", errors.Wrap(err, "decoding StartTransientUnit reply")
	}
	if len(args) != 1 {
		return "", errors.Errorf("StartTransientUnit returned %d values, want 1", len(args))
	}
	job, ok := args[0].(dbus.ObjectPath)
	if !ok {
		return "", errors.Errorf("StartTransientUnit returned %T, want an object path", args[0])
	}
	log.WithField("job", job).Info("transient unit queued")
	return job, nil
}

func (s *Starter) dial(ctx context.Context) (*dbus.Conn, error) {
	attempts := s.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.DialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	addr := s.address()
	log := s.log().WithField("address", addr)

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "waiting for the system bus")
			case <-time.After(backoff):
			}
		}
		conn, err := s.dialOnce(ctx, addr, timeout)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, "connecting to the system bus")
		}
		// A socket-activated bus accepts connections before the daemon
		// behind it answers, so a silent handshake is retried as well.
		if !dbus.IsConnRefused(err) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, "connecting to the system bus")
		}
		log.WithError(err).WithField("attempt", i+1).Debug("system bus not up yet")
		lastErr = err
	}
	return nil, errors.Wrapf(ErrBusTimeout, "%d attempts, last error: %v", attempts, lastErr)
}

func (s *Starter) dialOnce(ctx context.Context, addr string, timeout time.Duration) (*dbus.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dbus.Dial(ctx, addr, s.log())
}
