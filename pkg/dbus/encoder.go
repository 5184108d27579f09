package dbus

import (
	"encoding/binary"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const maxArrayLen = 64 << 20

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// ObjectPath is a D-Bus object path such as /org/freedesktop/systemd1.
type ObjectPath string

// IsValid reports whether p follows the object path grammar.
func (p ObjectPath) IsValid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if len(s) < 2 || s[0] != '/' || s[len(s)-1] == '/' {
		return false
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for i := 0; i < len(elem); i++ {
			c := elem[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
				return false
			}
		}
	}
	return true
}

// Encoder serializes values into the D-Bus wire format.
//
// Containers are opened with an explicit signature and must be closed in
// the reverse order they were opened. Every mistake is recorded as a
// sticky error that Bytes reports; the appenders themselves never fail
// so a message can be written top to bottom without error plumbing.
type Encoder struct {
	order  byteOrder
	buf    []byte
	offset int
	sig    []byte
	stack  []*Container
	err    error
}

// Container is an open array, struct or variant. It must be closed
// exactly once, after every container opened inside it.
type Container struct {
	enc    *Encoder
	kind   byte
	want   string
	got    string
	count  int
	lenPos int
	start  int
	closed bool
}

// NewEncoder returns a little-endian encoder whose first byte sits on an
// 8-byte boundary, which is where a message body starts.
func NewEncoder() *Encoder {
	return newEncoder(binary.LittleEndian, 0)
}

func newEncoder(order byteOrder, offset int) *Encoder {
	return &Encoder{order: order, offset: offset}
}

func (e *Encoder) fail(format string, args ...interface{}) {
	if e.err == nil {
		e.err = errors.Wrapf(ErrEncoding, format, args...)
	}
}

func (e *Encoder) setErr(err error) {
	if e.err == nil {
		e.err = errors.WithMessage(ErrEncoding, err.Error())
	}
}

func (e *Encoder) pad(align int) {
	for (e.offset+len(e.buf))%align != 0 {
		e.buf = append(e.buf, 0)
	}
}

// accept records that a complete value of type sig was just written and
// checks it against the innermost open container.
func (e *Encoder) accept(sig string) {
	if len(e.stack) == 0 {
		e.sig = append(e.sig, sig...)
		return
	}
	c := e.stack[len(e.stack)-1]
	switch c.kind {
	case TypeArray:
		if sig != c.want {
			e.fail("array of %q cannot hold %q", c.want, sig)
		}
	case TypeVariant:
		if c.count > 0 {
			e.fail("variant %q already holds a value", c.want)
		} else if sig != c.want {
			e.fail("variant %q cannot hold %q", c.want, sig)
		}
	case TypeStructOpen:
		c.got += sig
		if !strings.HasPrefix(c.want, c.got) {
			e.fail("struct (%s) cannot hold %q after %q", c.want, sig, strings.TrimSuffix(c.got, sig))
		}
	}
	c.count++
}

func (e *Encoder) putUint16(v uint16) {
	e.pad(2)
	e.buf = e.order.AppendUint16(e.buf, v)
}

func (e *Encoder) putUint32(v uint32) {
	e.pad(4)
	e.buf = e.order.AppendUint32(e.buf, v)
}

func (e *Encoder) putUint64(v uint64) {
	e.pad(8)
	e.buf = e.order.AppendUint64(e.buf, v)
}

// putString writes a length-prefixed, NUL-terminated string.
func (e *Encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *Encoder) putSignature(sig string) {
	e.buf = append(e.buf, byte(len(sig)))
	e.buf = append(e.buf, sig...)
	e.buf = append(e.buf, 0)
}

func checkString(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return errors.Errorf("string %q contains a NUL byte", s)
	}
	if !utf8.ValidString(s) {
		return errors.Errorf("string %q is not valid UTF-8", s)
	}
	return nil
}

// AppendByte writes a BYTE (y).
func (e *Encoder) AppendByte(v byte) {
	e.buf = append(e.buf, v)
	e.accept("y")
}

// AppendBool writes a BOOLEAN (b), which is a 32-bit 0 or 1 on the wire.
func (e *Encoder) AppendBool(v bool) {
	var u uint32
	if v {
		u = 1
	}
	e.putUint32(u)
	e.accept("b")
}

// AppendInt16 writes an INT16 (n).
func (e *Encoder) AppendInt16(v int16) {
	e.putUint16(uint16(v))
	e.accept("n")
}

// AppendUint16 writes a UINT16 (q).
func (e *Encoder) AppendUint16(v uint16) {
	e.putUint16(v)
	e.accept("q")
}

// AppendInt32 writes an INT32 (i).
func (e *Encoder) AppendInt32(v int32) {
	e.putUint32(uint32(v))
	e.accept("i")
}

// AppendUint32 writes a UINT32 (u).
func (e *Encoder) AppendUint32(v uint32) {
	e.putUint32(v)
	e.accept("u")
}

// AppendInt64 writes an INT64 (x).
func (e *Encoder) AppendInt64(v int64) {
	e.putUint64(uint64(v))
	e.accept("x")
}

// AppendUint64 writes a UINT64 (t).
func (e *Encoder) AppendUint64(v uint64) {
	e.putUint64(v)
	e.accept("t")
}

// AppendDouble writes a DOUBLE (d) in IEEE 754 format.
func (e *Encoder) AppendDouble(v float64) {
	e.putUint64(math.Float64bits(v))
	e.accept("d")
}

// AppendString writes s followed by its terminating NUL byte.
func (e *Encoder) AppendString(s string) {
	if err := checkString(s); err != nil {
		e.setErr(err)
	}
	e.putString(s)
	e.accept("s")
}

// AppendObjectPath writes an OBJECT_PATH (o). An invalid path fails the
// encoder with ErrEncoding.
func (e *Encoder) AppendObjectPath(p ObjectPath) {
	if !p.IsValid() {
		e.fail("invalid object path %q", p)
	}
	e.putString(string(p))
	e.accept("o")
}

// AppendSignature writes a SIGNATURE (g): a one-byte length, the type
// codes and a NUL byte.
func (e *Encoder) AppendSignature(sig string) {
	if err := ValidateSignature(sig); err != nil {
		e.setErr(err)
	}
	e.putSignature(sig)
	e.accept("g")
}

// AppendStrings writes ss as an array of strings.
func (e *Encoder) AppendStrings(ss []string) {
	e.Array("s", func() {
		for _, s := range ss {
			e.AppendString(s)
		}
	})
}

func (e *Encoder) push(c *Container) *Container {
	e.stack = append(e.stack, c)
	return c
}

// OpenArray starts an array whose elements all have type elem.
func (e *Encoder) OpenArray(elem string) *Container {
	c := &Container{enc: e, kind: TypeArray, want: elem}
	if err := validateSingle(elem); err != nil {
		e.setErr(err)
	}
	e.putUint32(0)
	c.lenPos = len(e.buf) - 4
	if elem != "" {
		// Padding to the first element is not part of the array length,
		// and is present even when the array is empty.
		e.pad(alignment(elem[0]))
	}
	c.start = len(e.buf)
	return e.push(c)
}

// OpenStruct starts a struct whose members are described by fields,
// e.g. "sv" for a (sv) struct.
func (e *Encoder) OpenStruct(fields string) *Container {
	c := &Container{enc: e, kind: TypeStructOpen, want: fields}
	if fields == "" {
		e.fail("empty struct")
	} else if err := ValidateSignature(fields); err != nil {
		e.setErr(err)
	}
	e.pad(8)
	return e.push(c)
}

// OpenVariant starts a variant holding exactly one value of type sig.
func (e *Encoder) OpenVariant(sig string) *Container {
	c := &Container{enc: e, kind: TypeVariant, want: sig}
	if err := validateSingle(sig); err != nil {
		e.setErr(err)
	}
	e.putSignature(sig)
	return e.push(c)
}

// Close finishes the container. Closing twice or closing while an inner
// container is still open is an encoding error.
func (c *Container) Close() error {
	e := c.enc
	if c.closed {
		e.fail("%s closed twice", c)
		return e.err
	}
	if len(e.stack) == 0 || e.stack[len(e.stack)-1] != c {
		e.fail("%s closed while an inner container is open", c)
		return e.err
	}
	e.stack = e.stack[:len(e.stack)-1]
	c.closed = true

	switch c.kind {
	case TypeArray:
		n := len(e.buf) - c.start
		if n > maxArrayLen {
			e.fail("%s is %d bytes, limit is %d", c, n, maxArrayLen)
		}
		e.order.PutUint32(e.buf[c.lenPos:], uint32(n))
		e.accept("a" + c.want)
	case TypeStructOpen:
		if c.got != c.want {
			e.fail("struct (%s) closed holding (%s)", c.want, c.got)
		}
		e.accept("(" + c.want + ")")
	case TypeVariant:
		if c.count != 1 {
			e.fail("variant %q closed without a value", c.want)
		}
		e.accept("v")
	}
	return e.err
}

func (c *Container) String() string {
	switch c.kind {
	case TypeArray:
		return "array a" + c.want
	case TypeStructOpen:
		return "struct (" + c.want + ")"
	}
	return "variant " + c.want
}

// Array opens an array, runs fill and closes the array again, even if
// fill panics.
func (e *Encoder) Array(elem string, fill func()) {
	c := e.OpenArray(elem)
	defer c.Close()
	fill()
}

// Struct is the struct counterpart of Array.
func (e *Encoder) Struct(fields string, fill func()) {
	c := e.OpenStruct(fields)
	defer c.Close()
	fill()
}

// Variant is the variant counterpart of Array.
func (e *Encoder) Variant(sig string, fill func()) {
	c := e.OpenVariant(sig)
	defer c.Close()
	fill()
}

// Signature returns the signature of the top-level values written so far.
func (e *Encoder) Signature() string {
	return string(e.sig)
}

// Err returns the first encoding error, if any.
func (e *Encoder) Err() error {
	return e.err
}

// Bytes returns the encoded data. It fails if any encoding error was
// recorded or a container is still open.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if n := len(e.stack); n > 0 {
		return nil, errors.Wrapf(ErrEncoding, "%d container(s) left open, innermost %s", n, e.stack[n-1])
	}
	if len(e.sig) > maxSignatureLen {
		return nil, errors.Wrapf(ErrEncoding, "body signature longer than %d bytes", maxSignatureLen)
	}
	return e.buf, nil
}
