package dbus

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Variant is a decoded variant value together with its signature.
type Variant struct {
	Signature string
	Value     interface{}
}

// Decoder reads values out of a D-Bus encoded buffer.
//
// Arrays and structs decode to []interface{}, dict entries to a
// two-element []interface{}, variants to Variant, object paths to
// ObjectPath and the remaining basic types to their natural Go type.
type Decoder struct {
	order  binary.ByteOrder
	buf    []byte
	pos    int
	offset int
}

// NewDecoder returns a decoder over buf. offset is the position of buf[0]
// within the enclosing message and is used for alignment.
func NewDecoder(order binary.ByteOrder, buf []byte, offset int) *Decoder {
	return &Decoder{order: order, buf: buf, offset: offset}
}

// Decode reads one value for every complete type in sig.
func (d *Decoder) Decode(sig string) ([]interface{}, error) {
	if err := ValidateSignature(sig); err != nil {
		return nil, err
	}
	var out []interface{}
	for rest := sig; rest != ""; {
		var (
			t   string
			err error
		)
		t, rest, err = nextType(rest)
		if err != nil {
			return nil, err
		}
		v, err := d.value(t, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Remaining reports how many bytes have not been consumed yet.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) align(n int) error {
	for (d.offset+d.pos)%n != 0 {
		if d.pos >= len(d.buf) {
			return errors.Wrap(ErrDecoding, "truncated padding")
		}
		if d.buf[d.pos] != 0 {
			return errors.Wrap(ErrDecoding, "non-zero padding")
		}
		d.pos++
	}
	return nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, errors.Wrapf(ErrDecoding, "need %d bytes at offset %d, have %d", n, d.offset+d.pos, len(d.buf)-d.pos)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) uint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *Decoder) uint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *Decoder) uint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *Decoder) string() (string, error) {
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", errors.Wrap(ErrDecoding, "string is not NUL-terminated")
	}
	s := string(b[:n])
	if !utf8.ValidString(s) {
		return "", errors.Wrap(ErrDecoding, "string is not valid UTF-8")
	}
	return s, nil
}

func (d *Decoder) signature() (string, error) {
	lb, err := d.take(1)
	if err != nil {
		return "", err
	}
	b, err := d.take(int(lb[0]) + 1)
	if err != nil {
		return "", err
	}
	if b[lb[0]] != 0 {
		return "", errors.Wrap(ErrDecoding, "signature is not NUL-terminated")
	}
	return string(b[:lb[0]]), nil
}

func (d *Decoder) value(t string, depth int) (interface{}, error) {
	if depth > 2*maxNesting {
		return nil, errors.Wrap(ErrDecoding, "values nested too deeply")
	}
	switch t[0] {
	case TypeByte:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case TypeBoolean:
		v, err := d.uint32()
		if err != nil {
			return nil, err
		}
		if v > 1 {
			return nil, errors.Wrapf(ErrDecoding, "boolean value %d", v)
		}
		return v == 1, nil
	case TypeInt16:
		v, err := d.uint16()
		return int16(v), err
	case TypeUint16:
		return d.uint16()
	case TypeInt32:
		v, err := d.uint32()
		return int32(v), err
	case TypeUint32, TypeUnixFD:
		return d.uint32()
	case TypeInt64:
		v, err := d.uint64()
		return int64(v), err
	case TypeUint64:
		return d.uint64()
	case TypeDouble:
		v, err := d.uint64()
		return math.Float64frombits(v), err
	case TypeString:
		return d.string()
	case TypeObjectPath:
		s, err := d.string()
		if err != nil {
			return nil, err
		}
		p := ObjectPath(s)
		if !p.IsValid() {
			return nil, errors.Wrapf(ErrDecoding, "invalid object path %q", s)
		}
		return p, nil
	case TypeSignature:
		s, err := d.signature()
		if err != nil {
			return nil, err
		}
		if err := ValidateSignature(s); err != nil {
			return nil, errors.Wrap(ErrDecoding, err.Error())
		}
		return s, nil
	case TypeVariant:
		s, err := d.signature()
		if err != nil {
			return nil, err
		}
		if err := validateSingle(s); err != nil {
			return nil, errors.Wrap(ErrDecoding, err.Error())
		}
		v, err := d.value(s, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Signature: s, Value: v}, nil
	case TypeArray:
		return d.array(t[1:], depth)
	case TypeStructOpen:
		return d.fields(t[1:len(t)-1], depth)
	case TypeDictOpen:
		return d.fields(t[1:len(t)-1], depth)
	}
	return nil, errors.Wrapf(ErrDecoding, "unsupported type %q", t)
}

func (d *Decoder) array(elem string, depth int) (interface{}, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n > maxArrayLen {
		return nil, errors.Wrapf(ErrDecoding, "array of %d bytes", n)
	}
	if err := d.align(alignment(elem[0])); err != nil {
		return nil, err
	}
	end := d.pos + int(n)
	if end > len(d.buf) {
		return nil, errors.Wrap(ErrDecoding, "array runs past the end of the buffer")
	}
	out := []interface{}{}
	for d.pos < end {
		v, err := d.value(elem, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if d.pos != end {
		return nil, errors.Wrap(ErrDecoding, "array element overruns the array length")
	}
	return out, nil
}

func (d *Decoder) fields(sig string, depth int) (interface{}, error) {
	if err := d.align(8); err != nil {
		return nil, err
	}
	var out []interface{}
	for rest := sig; rest != ""; {
		var (
			t   string
			err error
		)
		t, rest, err = nextType(rest)
		if err != nil {
			return nil, err
		}
		v, err := d.value(t, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
