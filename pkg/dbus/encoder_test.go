package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

func TestEncoder_StringIsNulTerminated(t *testing.T) {
	e := NewEncoder()
	e.AppendByte(7)
	e.AppendString("root")
	b, err := e.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{7, 0, 0, 0, 4, 0, 0, 0, 'r', 'o', 'o', 't', 0}
	if !bytes.Equal(b, want) {
		t.Errorf("got % x, want % x", b, want)
	}
	if got := e.Signature(); got != "ys" {
		t.Errorf("signature = %q, want %q", got, "ys")
	}
}

func TestEncoder_FixedWidthLayout(t *testing.T) {
	e := NewEncoder()
	e.AppendByte(1)
	e.AppendBool(true)
	e.AppendInt16(-2)
	e.AppendSignature("as")
	e.AppendDouble(1)
	b, err := e.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		1, 0, 0, 0, // byte, padded to the boolean
		1, 0, 0, 0, // booleans are 32 bits wide
		0xfe, 0xff,
		2, 'a', 's', 0, // signatures carry a one-byte length
		0, 0, // double aligns to 8
		0, 0, 0, 0, 0, 0, 0xf0, 0x3f,
	}
	if !bytes.Equal(b, want) {
		t.Errorf("got % x, want % x", b, want)
	}
	if got := e.Signature(); got != "ybngd" {
		t.Errorf("signature = %q, want %q", got, "ybngd")
	}

	bad := NewEncoder()
	bad.AppendObjectPath("no/leading/slash")
	if _, err := bad.Bytes(); !errors.Is(err, ErrEncoding) {
		t.Errorf("invalid object path: err = %v, want ErrEncoding", err)
	}
}

func TestEncoder_EmptyArrayPadsToElement(t *testing.T) {
	e := NewEncoder()
	e.Array("(sv)", func() {})
	b, err := e.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	// length word plus padding to the 8-byte struct boundary.
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(b, want) {
		t.Errorf("got % x, want % x", b, want)
	}
	if got := e.Signature(); got != "a(sv)" {
		t.Errorf("signature = %q", got)
	}
}

func TestEncoder_ArrayLengthExcludesPadding(t *testing.T) {
	e := NewEncoder()
	e.AppendByte(1)
	e.Array("t", func() {
		e.AppendUint64(1)
		e.AppendUint64(2)
	})
	b, err := e.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint32(b[4:]); n != 16 {
		t.Errorf("array length = %d, want 16", n)
	}
	if len(b) != 24 {
		t.Errorf("encoded %d bytes, want 24", len(b))
	}
}

func TestEncoder_VariantCarriesSignature(t *testing.T) {
	e := NewEncoder()
	e.Variant("as", func() {
		e.AppendStrings([]string{"a"})
	})
	b, err := e.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 'a', 's', 0, 6, 0, 0, 0, 1, 0, 0, 0, 'a', 0}
	if !bytes.Equal(b, want) {
		t.Errorf("got % x, want % x", b, want)
	}
}

func TestEncoder_Mistakes(t *testing.T) {
	tests := []struct {
		name  string
		build func(e *Encoder)
	}{
		{"left open", func(e *Encoder) {
			e.OpenArray("s")
		}},
		{"closed twice", func(e *Encoder) {
			c := e.OpenArray("s")
			c.Close()
			c.Close()
		}},
		{"closed out of order", func(e *Encoder) {
			outer := e.OpenStruct("sv")
			e.AppendString("k")
			inner := e.OpenVariant("s")
			outer.Close()
			inner.Close()
		}},
		{"array element mismatch", func(e *Encoder) {
			e.Array("s", func() { e.AppendUint32(1) })
		}},
		{"struct member mismatch", func(e *Encoder) {
			e.Struct("sv", func() {
				e.AppendString("k")
				e.AppendString("v")
			})
		}},
		{"struct short", func(e *Encoder) {
			e.Struct("sv", func() { e.AppendString("k") })
		}},
		{"empty variant", func(e *Encoder) {
			e.Variant("s", func() {})
		}},
		{"variant with two values", func(e *Encoder) {
			e.Variant("s", func() {
				e.AppendString("a")
				e.AppendString("b")
			})
		}},
		{"bad signature", func(e *Encoder) {
			e.Array("(s", func() {})
		}},
		{"embedded nul", func(e *Encoder) {
			e.AppendString("a\x00b")
		}},
		{"invalid utf8", func(e *Encoder) {
			e.AppendString("\xff")
		}},
		{"bad object path", func(e *Encoder) {
			e.AppendObjectPath("/trailing/")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEncoder()
			tt.build(e)
			if _, err := e.Bytes(); !errors.Is(err, ErrEncoding) {
				t.Errorf("Bytes() error = %v, want ErrEncoding", err)
			}
		})
	}
}

func TestEncoder_ScopedCloseOnPanic(t *testing.T) {
	e := NewEncoder()
	func() {
		defer func() { recover() }()
		e.Array("s", func() {
			e.AppendString("x")
			panic("boom")
		})
	}()
	if len(e.stack) != 0 {
		t.Fatalf("%d container(s) still open after panic", len(e.stack))
	}
	if _, err := e.Bytes(); err != nil {
		t.Errorf("Bytes() = %v", err)
	}
}

func TestValidateSignature(t *testing.T) {
	good := []string{"", "s", "ssa(sv)a(sa(sv))", "a{sv}", "a(sasb)", "v", "aay"}
	for _, sig := range good {
		if err := ValidateSignature(sig); err != nil {
			t.Errorf("ValidateSignature(%q) = %v", sig, err)
		}
	}
	bad := []string{"(", "()", "a", "{sv}", "a{vs}", "a{s}", "z", "(s))"}
	for _, sig := range bad {
		if err := ValidateSignature(sig); err == nil {
			t.Errorf("ValidateSignature(%q) succeeded", sig)
		}
	}
}
