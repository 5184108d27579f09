package transient

import (
	"github.com/rsturla/sdshell/pkg/dbus"
)

// Service manager coordinates.
const (
	Destination = "org.freedesktop.systemd1"
	ObjectPath  = dbus.ObjectPath("/org/freedesktop/systemd1")
	Interface   = "org.freedesktop.systemd1.Manager"
	Method      = "StartTransientUnit"

	// Signature is the body signature of a StartTransientUnit call.
	Signature = "ssa(sv)a(sa(sv))"

	// Mode makes the call fail instead of replacing a queued job.
	Mode = "fail"
)

// NewRequest encodes u as a StartTransientUnit method call.
func NewRequest(u *Unit) (*dbus.Message, error) {
	e := dbus.NewEncoder()
	e.AppendString(u.Name)
	e.AppendString(Mode)

	e.Array("(sv)", func() {
		stringProp(e, "Description", u.Description)
		stringProp(e, "WorkingDirectory", u.WorkingDirectory)
		stringProp(e, "StandardInput", "tty")
		stringProp(e, "StandardOutput", "tty")
		stringProp(e, "StandardError", "tty")
		stringProp(e, "TTYPath", u.TTYPath)
		stringProp(e, "User", u.User)
		prop(e, "Environment", "as", func() {
			e.AppendStrings(u.Environment)
		})
		prop(e, "ExecStart", "a(sasb)", func() {
			e.Array("(sasb)", func() {
				e.Struct("sasb", func() {
					e.AppendString(u.Exec.Path)
					e.AppendStrings(u.Exec.Argv)
					e.AppendBool(u.Exec.IgnoreFailure)
				})
			})
		})
	})

	// No auxiliary units.
	e.Array("(sa(sv))", func() {})

	m := dbus.NewMethodCall(Destination, ObjectPath, Interface, Method)
	if err := m.SetBody(e); err != nil {
		return nil, err
	}
	return m, nil
}

func prop(e *dbus.Encoder, name, sig string, value func()) {
	e.Struct("sv", func() {
		e.AppendString(name)
		e.Variant(sig, value)
	})
}

func stringProp(e *dbus.Encoder, name, value string) {
	prop(e, name, "s", func() { e.AppendString(value) })
}
