//go:build linux

package transient

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/rsturla/sdshell/pkg/dbus"
	"github.com/rsturla/sdshell/pkg/dbus/dbustest"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestPTYID(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"/dev/pts/3", "3", false},
		{"/dev/pts/117", "117", false},
		{"/dev/pts/ptmx", "", true},
		{"/dev/pts/", "", true},
		{"", "", true},
		{"/dev/pts/-1", "", true},
	}
	for _, tt := range tests {
		got, err := PTYID(tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("PTYID(%q) = %q, %v", tt.path, got, err)
		}
	}
}

func TestEnvironment(t *testing.T) {
	lookup := lookupFrom(map[string]string{"TERM": "xterm", "LANG": "C.UTF-8", "FOO": "host"})

	tests := []struct {
		name      string
		overrides []string
		inherit   []string
		want      []string
	}{
		{"inherit only", nil, []string{"TERM"}, []string{"TERM=xterm"}},
		{"overrides first", []string{"A=1"}, []string{"TERM", "LANG"}, []string{"A=1", "TERM=xterm", "LANG=C.UTF-8"}},
		{"missing name skipped", nil, []string{"NOPE", "TERM"}, []string{"TERM=xterm"}},
		{"override wins", []string{"FOO=mine"}, []string{"FOO"}, []string{"FOO=mine"}},
		{"empty", nil, []string{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Environment(tt.overrides, tt.inherit, lookup)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Environment() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewUnit_Defaults(t *testing.T) {
	u, err := NewUnit("/dev/pts/3", Options{
		Prefix: "sdshell",
		Lookup: lookupFrom(map[string]string{"TERM": "xterm-256color"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "sdshell@3.service" {
		t.Errorf("Name = %q", u.Name)
	}
	if u.User != "root" || u.WorkingDirectory != "~" || u.TTYPath != "/dev/pts/3" {
		t.Errorf("unit = %+v", u)
	}
	want := Exec{Path: "/bin/bash", Argv: []string{"/bin/bash", "-l"}, IgnoreFailure: true}
	if !reflect.DeepEqual(u.Exec, want) {
		t.Errorf("Exec = %+v, want %+v", u.Exec, want)
	}
	if !reflect.DeepEqual(u.Environment, []string{"TERM=xterm-256color"}) {
		t.Errorf("Environment = %q", u.Environment)
	}
}

func TestNewUnit_Rejects(t *testing.T) {
	if _, err := NewUnit("/dev/pts/x", Options{Prefix: "sdshell"}); err == nil {
		t.Error("non-numeric pty id accepted")
	}
	if _, err := NewUnit("/dev/pts/1", Options{Prefix: "a@b"}); err == nil {
		t.Error("prefix with @ accepted")
	}
}

func decodeRequest(t *testing.T, m *dbus.Message) []interface{} {
	t.Helper()
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := dbus.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	args, err := got.Args()
	if err != nil {
		t.Fatalf("Args: %v", err)
	}
	return args
}

func sv(name string, sig string, v interface{}) []interface{} {
	return []interface{}{name, dbus.Variant{Signature: sig, Value: v}}
}

func TestNewRequest_Layout(t *testing.T) {
	u, err := NewUnit("/dev/pts/3", Options{
		Prefix:      "sdshell",
		Description: "shell",
		User:        "root",
		Lookup:      lookupFrom(map[string]string{"TERM": "xterm-256color"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewRequest(u)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	m.Serial = 1
	if m.Signature != Signature {
		t.Fatalf("signature = %q, want %q", m.Signature, Signature)
	}
	if m.Destination != Destination || m.Path != ObjectPath || m.Interface != Interface || m.Member != Method {
		t.Errorf("header = %+v", m)
	}

	want := []interface{}{
		"sdshell@3.service",
		"fail",
		[]interface{}{
			sv("Description", "s", "shell"),
			sv("WorkingDirectory", "s", "~"),
			sv("StandardInput", "s", "tty"),
			sv("StandardOutput", "s", "tty"),
			sv("StandardError", "s", "tty"),
			sv("TTYPath", "s", "/dev/pts/3"),
			sv("User", "s", "root"),
			sv("Environment", "as", []interface{}{"TERM=xterm-256color"}),
			sv("ExecStart", "a(sasb)", []interface{}{
				[]interface{}{"/bin/bash", []interface{}{"/bin/bash", "-l"}, true},
			}),
		},
		[]interface{}{},
	}
	if got := decodeRequest(t, m); !reflect.DeepEqual(got, want) {
		t.Errorf("body =\n%#v\nwant\n%#v", got, want)
	}
}

func TestNewRequest_EmptyEnvironment(t *testing.T) {
	u, err := NewUnit("/dev/pts/0", Options{Prefix: "sdshell", Inherit: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewRequest(u)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	m.Serial = 1
	props := decodeRequest(t, m)[2].([]interface{})
	env := props[7].([]interface{})
	if env[0] != "Environment" {
		t.Fatalf("property 7 is %v", env[0])
	}
	if v := env[1].(dbus.Variant); v.Signature != "as" || len(v.Value.([]interface{})) != 0 {
		t.Errorf("Environment = %#v, want empty as", v)
	}
}

func TestNewRequest_StringsAreNulTerminated(t *testing.T) {
	u, err := NewUnit("/dev/pts/7", Options{Prefix: "sdshell", Inherit: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewRequest(u)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"sdshell@7.service", "fail", "TTYPath", "/dev/pts/7", "/bin/bash", "-l"} {
		if !bytes.Contains(m.Body, append([]byte(s), 0)) {
			t.Errorf("body has no NUL-terminated %q", s)
		}
	}
}

func TestNewRequest_RejectsBadStrings(t *testing.T) {
	u, err := NewUnit("/dev/pts/1", Options{Prefix: "sdshell", Env: []string{"A=b\x00c"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewRequest(u); !errors.Is(err, dbus.ErrEncoding) {
		t.Errorf("NewRequest() error = %v, want ErrEncoding", err)
	}
}

const jobPath = dbus.ObjectPath("/org/freedesktop/systemd1/job/42")

func managerHandler(call *dbus.Message) *dbus.Message {
	if call.Member != Method {
		return dbus.NewError(call, "org.freedesktop.DBus.Error.UnknownMethod", "unknown method "+call.Member)
	}
	args, _ := call.Args()
	if strings.HasPrefix(args[0].(string), "busy@") {
		return dbus.NewError(call, "org.freedesktop.systemd1.UnitExists", "Unit "+args[0].(string)+" already exists.")
	}
	reply := dbus.NewMethodReturn(call)
	e := dbus.NewEncoder()
	e.AppendObjectPath(jobPath)
	reply.SetBody(e)
	return reply
}

func TestStarter_Start(t *testing.T) {
	srv := dbustest.NewServer(t, managerHandler)
	u, err := NewUnit("/dev/pts/4", Options{Prefix: "sdshell", Inherit: []string{}})
	if err != nil {
		t.Fatal(err)
	}

	s := &Starter{Address: srv.Address, CallTimeout: 2 * time.Second}
	job, err := s.Start(context.Background(), u)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job != jobPath {
		t.Errorf("job = %q, want %q", job, jobPath)
	}
	calls := srv.Calls()
	if len(calls) != 1 || calls[0].Signature != Signature {
		t.Fatalf("server calls = %+v", calls)
	}
}

func TestStarter_RemoteErrorIsVerbatim(t *testing.T) {
	srv := dbustest.NewServer(t, managerHandler)
	u, err := NewUnit("/dev/pts/4", Options{Prefix: "busy", Inherit: []string{}})
	if err != nil {
		t.Fatal(err)
	}

	s := &Starter{Address: srv.Address, DialAttempts: 3, DialBackoff: 10 * time.Millisecond}
	_, err = s.Start(context.Background(), u)
	var busErr *dbus.Error
	if !errors.As(err, &busErr) {
		t.Fatalf("Start() error = %v, want *dbus.Error", err)
	}
	if busErr.Name != "org.freedesktop.systemd1.UnitExists" || busErr.Message != "Unit busy@4.service already exists." {
		t.Errorf("error = %+v", busErr)
	}
	if n := len(srv.Calls()); n != 1 {
		t.Errorf("remote error retried: %d calls", n)
	}
}

func TestStarter_GivesUpOnMissingBus(t *testing.T) {
	u, err := NewUnit("/dev/pts/4", Options{Prefix: "sdshell", Inherit: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	s := &Starter{
		Address:      "unix:path=" + filepath.Join(t.TempDir(), "bus"),
		DialAttempts: 3,
		DialBackoff:  10 * time.Millisecond,
	}
	if _, err := s.Start(context.Background(), u); !errors.Is(err, ErrBusTimeout) {
		t.Errorf("Start() error = %v, want ErrBusTimeout", err)
	}
}

func TestStarter_GivesUpOnSilentBus(t *testing.T) {
	addr := dbustest.NewSilentServer(t)
	u, err := NewUnit("/dev/pts/4", Options{Prefix: "sdshell", Inherit: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	s := &Starter{
		Address:      addr,
		CallTimeout:  200 * time.Millisecond,
		DialTimeout:  100 * time.Millisecond,
		DialAttempts: 2,
		DialBackoff:  10 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), u)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrBusTimeout) {
			t.Errorf("Start() error = %v, want ErrBusTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start still blocked on a bus that never answers")
	}
}

func TestStarter_RetriesUntilBusAppears(t *testing.T) {
	srv := dbustest.NewServer(t, managerHandler)
	link := filepath.Join(t.TempDir(), "bus")
	target := strings.TrimPrefix(srv.Address, "unix:path=")

	timer := time.AfterFunc(100*time.Millisecond, func() {
		os.Symlink(target, link)
	})
	defer timer.Stop()

	u, err := NewUnit("/dev/pts/9", Options{Prefix: "sdshell", Inherit: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	s := &Starter{
		Address:      "unix:path=" + link,
		DialAttempts: 100,
		DialBackoff:  20 * time.Millisecond,
	}
	job, err := s.Start(context.Background(), u)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job != jobPath {
		t.Errorf("job = %q", job)
	}
}
