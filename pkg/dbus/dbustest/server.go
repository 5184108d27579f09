// Package dbustest provides an in-process message bus for tests. It
// speaks just enough of the daemon side of the protocol (SASL EXTERNAL,
// Hello) to let a dbus.Conn connect, and hands every other method call
// to a user supplied handler.
package dbustest

import (
	"bufio"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rsturla/sdshell/pkg/dbus"
)

// UniqueName is the name the server assigns to every client.
const UniqueName = ":1.42"

// Handler answers a method call. Returning nil sends no reply at all.
type Handler func(call *dbus.Message) *dbus.Message

// Server is a fake bus listening on a unix socket in a temp directory.
type Server struct {
	// Address is a bus address suitable for dbus.Dial.
	Address string

	ln      net.Listener
	handler Handler

	mu     sync.Mutex
	calls  []*dbus.Message
	conns  []net.Conn
	serial uint32
	wg     sync.WaitGroup
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(t testing.TB, h Handler) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listening on %s: %v", path, err)
	}
	s := &Server{
		Address: "unix:path=" + path,
		ln:      ln,
		handler: h,
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return s
}

// NewSilentServer accepts connections and never says anything, like a
// socket-activated bus whose daemon has not started yet. It returns the
// bus address.
func NewSilentServer(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listening on %s: %v", path, err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
		for _, c := range conns {
			c.Close()
		}
	})
	return "unix:path=" + path
}

// Calls returns the method calls received so far, Hello excluded.
func (s *Server) Calls() []*dbus.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*dbus.Message(nil), s.calls...)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return
	}
	line, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "AUTH EXTERNAL ") {
		conn.Write([]byte("REJECTED EXTERNAL\r\n"))
		return
	}
	if _, err := conn.Write([]byte("OK 0123456789abcdef0123456789abcdef\r\n")); err != nil {
		return
	}
	if line, err = r.ReadString('\n'); err != nil || strings.TrimSpace(line) != "BEGIN" {
		return
	}

	for {
		call, err := dbus.ReadMessage(r)
		if err != nil {
			return
		}
		if call.Type != dbus.TypeMethodCall {
			continue
		}
		call.Sender = UniqueName

		if call.Destination == "org.freedesktop.DBus" && call.Member == "Hello" {
			reply := dbus.NewMethodReturn(call)
			e := dbus.NewEncoder()
			e.AppendString(UniqueName)
			reply.SetBody(e)
			// A real daemon also emits NameAcquired; clients must skip it.
			sig := dbus.NewSignal("/org/freedesktop/DBus", "org.freedesktop.DBus", "NameAcquired")
			sig.Destination = UniqueName
			if !s.send(conn, sig) || !s.send(conn, reply) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.calls = append(s.calls, call)
		s.mu.Unlock()

		reply := s.handler(call)
		if reply == nil {
			continue
		}
		if !s.send(conn, reply) {
			return
		}
	}
}

func (s *Server) send(conn net.Conn, m *dbus.Message) bool {
	s.mu.Lock()
	s.serial++
	m.Serial = s.serial
	s.mu.Unlock()
	m.Sender = "org.freedesktop.DBus"
	data, err := m.Marshal()
	if err != nil {
		return false
	}
	_, err = conn.Write(data)
	return err == nil
}
