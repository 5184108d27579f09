package dbus

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func TestMessage_RoundTrip(t *testing.T) {
	m := NewMethodCall("org.example.Service", "/org/example/Object", "org.example.Iface", "Frob")
	e := NewEncoder()
	e.AppendString("name")
	e.Array("(sv)", func() {
		e.Struct("sv", func() {
			e.AppendString("Key")
			e.Variant("u", func() { e.AppendUint32(99) })
		})
	})
	e.AppendBool(true)
	if err := m.SetBody(e); err != nil {
		t.Fatal(err)
	}
	m.Serial = 5

	data, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if got.Type != TypeMethodCall || got.Serial != 5 {
		t.Errorf("type/serial = %v/%d", got.Type, got.Serial)
	}
	if got.Path != m.Path || got.Interface != m.Interface || got.Member != m.Member || got.Destination != m.Destination {
		t.Errorf("header fields = %+v", got)
	}
	if got.Signature != "sa(sv)b" {
		t.Errorf("signature = %q", got.Signature)
	}

	args, err := got.Args()
	if err != nil {
		t.Fatal(err)
	}
	want := []interface{}{
		"name",
		[]interface{}{
			[]interface{}{"Key", Variant{Signature: "u", Value: uint32(99)}},
		},
		true,
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %#v\nwant %#v", args, want)
	}
}

func TestMessage_HeaderIsPaddedToEightBytes(t *testing.T) {
	m := NewMethodCall("a.b", "/", "a.b", "C")
	m.Serial = 1
	data, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(data)%8 != 0 {
		t.Errorf("header of %d bytes is not 8-byte aligned", len(data))
	}
	if data[0] != 'l' || data[3] != 1 {
		t.Errorf("endianness/version = %q/%d", data[0], data[3])
	}
}

func TestMessage_ValidateRejectsIncompleteHeaders(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"zero serial", &Message{Type: TypeMethodCall, Path: "/", Member: "X"}},
		{"call without member", &Message{Type: TypeMethodCall, Serial: 1, Path: "/"}},
		{"error without name", &Message{Type: TypeError, Serial: 1, ReplySerial: 1}},
		{"return without reply serial", &Message{Type: TypeMethodReturn, Serial: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.msg.Marshal(); !errors.Is(err, ErrEncoding) {
				t.Errorf("Marshal() error = %v, want ErrEncoding", err)
			}
		})
	}
}

func TestReadMessage_BigEndian(t *testing.T) {
	// Hand-built big-endian method return: reply serial 7, body "s" "ok".
	var hdr []byte
	hdr = append(hdr, 'B', byte(TypeMethodReturn), 0, 1)
	hdr = binary.BigEndian.AppendUint32(hdr, 7) // body length
	hdr = binary.BigEndian.AppendUint32(hdr, 3) // serial
	fields := []byte{
		fieldReplySerial, 1, 'u', 0, 0, 0, 0, 7,
		fieldSignature, 1, 'g', 0, 1, 's', 0,
	}
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(fields)))
	hdr = append(hdr, fields...)
	for len(hdr)%8 != 0 {
		hdr = append(hdr, 0)
	}
	body := []byte{0, 0, 0, 2, 'o', 'k', 0}

	m, err := ReadMessage(bytes.NewReader(append(hdr, body...)))
	if err != nil {
		t.Fatal(err)
	}
	if m.ReplySerial != 7 || m.Serial != 3 || m.Signature != "s" {
		t.Errorf("message = %+v", m)
	}
	args, err := m.Args()
	if err != nil {
		t.Fatal(err)
	}
	if len(args) != 1 || args[0] != "ok" {
		t.Errorf("args = %#v", args)
	}
}

func TestReadMessage_RejectsGarbage(t *testing.T) {
	data := []byte{'x', 1, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}
	if _, err := ReadMessage(bytes.NewReader(data)); !errors.Is(err, ErrDecoding) {
		t.Errorf("ReadMessage() error = %v, want ErrDecoding", err)
	}
}

func TestMessage_AsError(t *testing.T) {
	call := NewMethodCall("a.b", "/", "a.b", "C")
	call.Serial = 9
	reply := NewError(call, "org.freedesktop.systemd1.UnitExists", "Unit x.service already exists.")
	reply.Serial = 1
	data, err := reply.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	e := got.AsError()
	if e == nil {
		t.Fatal("AsError() = nil")
	}
	if e.Name != "org.freedesktop.systemd1.UnitExists" || e.Message != "Unit x.service already exists." {
		t.Errorf("error = %+v", e)
	}
	if got.ReplySerial != 9 {
		t.Errorf("reply serial = %d", got.ReplySerial)
	}
}
