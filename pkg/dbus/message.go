package dbus

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// MessageType is the second byte of every message header.
type MessageType byte

const (
	TypeMethodCall   MessageType = 1
	TypeMethodReturn MessageType = 2
	TypeError        MessageType = 3
	TypeSignal       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Header flags.
const (
	FlagNoReplyExpected byte = 0x1
	FlagNoAutoStart     byte = 0x2
)

// Header field codes.
const (
	fieldPath        byte = 1
	fieldInterface   byte = 2
	fieldMember      byte = 3
	fieldErrorName   byte = 4
	fieldReplySerial byte = 5
	fieldDestination byte = 6
	fieldSender      byte = 7
	fieldSignature   byte = 8
	fieldUnixFDs     byte = 9
)

var fieldTypes = map[byte]string{
	fieldPath:        "o",
	fieldInterface:   "s",
	fieldMember:      "s",
	fieldErrorName:   "s",
	fieldReplySerial: "u",
	fieldDestination: "s",
	fieldSender:      "s",
	fieldSignature:   "g",
	fieldUnixFDs:     "u",
}

const (
	protocolVersion = 1
	maxMessageLen   = 128 << 20
	fixedHeaderLen  = 16
)

// Message is a single D-Bus message. Body holds the encoded arguments
// described by Signature, in the byte order the message was built or
// received with.
type Message struct {
	Type        MessageType
	Flags       byte
	Serial      uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   string
	UnixFDs     uint32
	Body        []byte

	order binary.ByteOrder
}

// NewMethodCall returns a method call message with an empty body.
func NewMethodCall(destination string, path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: destination,
		order:       binary.LittleEndian,
	}
}

// NewMethodReturn returns an empty reply to call.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		order:       binary.LittleEndian,
	}
}

// NewError returns an error reply to call carrying a human readable text.
func NewError(call *Message, name, text string) *Message {
	m := &Message{
		Type:        TypeError,
		ErrorName:   name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		order:       binary.LittleEndian,
	}
	e := NewEncoder()
	e.AppendString(text)
	if err := m.SetBody(e); err != nil {
		// text came from the caller; keep the reply well formed.
		m.Body, m.Signature = nil, ""
	}
	return m
}

// NewSignal returns a signal message with an empty body.
func NewSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		order:     binary.LittleEndian,
	}
}

// SetBody takes the arguments written to e as the message body.
func (m *Message) SetBody(e *Encoder) error {
	body, err := e.Bytes()
	if err != nil {
		return err
	}
	if e.order != binary.LittleEndian || e.offset%8 != 0 {
		return errors.Wrap(ErrEncoding, "body must be little-endian and 8-byte aligned")
	}
	m.Body = body
	m.Signature = e.Signature()
	m.order = binary.LittleEndian
	return nil
}

func (m *Message) validate() error {
	if m.Serial == 0 {
		return errors.Wrap(ErrEncoding, "serial must be non-zero")
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return errors.Wrap(ErrEncoding, "method call needs a path and a member")
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return errors.Wrap(ErrEncoding, "signal needs a path, an interface and a member")
		}
	case TypeError:
		if m.ErrorName == "" || m.ReplySerial == 0 {
			return errors.Wrap(ErrEncoding, "error needs an error name and a reply serial")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.Wrap(ErrEncoding, "method return needs a reply serial")
		}
	default:
		return errors.Wrapf(ErrEncoding, "unknown message type %d", m.Type)
	}
	if len(m.Body) > 0 && m.order != nil && m.order != binary.LittleEndian {
		return errors.Wrap(ErrEncoding, "cannot marshal a big-endian body")
	}
	return nil
}

// Marshal encodes the message, little-endian.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	e := NewEncoder()
	e.AppendByte('l')
	e.AppendByte(byte(m.Type))
	e.AppendByte(m.Flags)
	e.AppendByte(protocolVersion)
	e.AppendUint32(uint32(len(m.Body)))
	e.AppendUint32(m.Serial)

	stringField := func(code byte, sig, v string) {
		e.Struct("yv", func() {
			e.AppendByte(code)
			e.Variant(sig, func() {
				switch sig {
				case "o":
					e.AppendObjectPath(ObjectPath(v))
				case "g":
					e.AppendSignature(v)
				default:
					e.AppendString(v)
				}
			})
		})
	}
	uintField := func(code byte, v uint32) {
		e.Struct("yv", func() {
			e.AppendByte(code)
			e.Variant("u", func() { e.AppendUint32(v) })
		})
	}

	e.Array("(yv)", func() {
		if m.Path != "" {
			stringField(fieldPath, "o", string(m.Path))
		}
		if m.Interface != "" {
			stringField(fieldInterface, "s", m.Interface)
		}
		if m.Member != "" {
			stringField(fieldMember, "s", m.Member)
		}
		if m.ErrorName != "" {
			stringField(fieldErrorName, "s", m.ErrorName)
		}
		if m.ReplySerial != 0 {
			uintField(fieldReplySerial, m.ReplySerial)
		}
		if m.Destination != "" {
			stringField(fieldDestination, "s", m.Destination)
		}
		if m.Sender != "" {
			stringField(fieldSender, "s", m.Sender)
		}
		if m.Signature != "" {
			stringField(fieldSignature, "g", m.Signature)
		}
		if m.UnixFDs != 0 {
			uintField(fieldUnixFDs, m.UnixFDs)
		}
	})
	e.pad(8)

	hdr, err := e.Bytes()
	if err != nil {
		return nil, err
	}
	if len(hdr)+len(m.Body) > maxMessageLen {
		return nil, errors.Wrapf(ErrEncoding, "message of %d bytes exceeds the %d byte limit", len(hdr)+len(m.Body), maxMessageLen)
	}
	return append(hdr, m.Body...), nil
}

// ReadMessage reads exactly one message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var fixed [fixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}

	var order binary.ByteOrder
	switch fixed[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, errors.Wrapf(ErrDecoding, "unknown endianness marker %q", fixed[0])
	}
	if fixed[3] != protocolVersion {
		return nil, errors.Wrapf(ErrDecoding, "unsupported protocol version %d", fixed[3])
	}

	bodyLen := int64(order.Uint32(fixed[4:]))
	fieldsLen := int64(order.Uint32(fixed[12:]))
	hdrLen := (fixedHeaderLen + fieldsLen + 7) &^ 7
	if hdrLen+bodyLen > maxMessageLen {
		return nil, errors.Wrapf(ErrDecoding, "message of %d bytes exceeds the %d byte limit", hdrLen+bodyLen, maxMessageLen)
	}

	buf := make([]byte, hdrLen+bodyLen)
	copy(buf, fixed[:])
	if _, err := io.ReadFull(r, buf[fixedHeaderLen:]); err != nil {
		return nil, errors.Wrap(err, "reading message")
	}

	m := &Message{
		Type:   MessageType(fixed[1]),
		Flags:  fixed[2],
		Serial: order.Uint32(fixed[8:]),
		Body:   buf[hdrLen:],
		order:  order,
	}
	if err := m.parseFields(NewDecoder(order, buf[12:hdrLen], 12)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) parseFields(d *Decoder) error {
	vals, err := d.Decode("a(yv)")
	if err != nil {
		return errors.Wrap(err, "decoding header fields")
	}
	for _, f := range vals[0].([]interface{}) {
		st := f.([]interface{})
		code := st[0].(byte)
		v := st[1].(Variant)

		want, known := fieldTypes[code]
		if !known {
			continue
		}
		if v.Signature != want {
			return errors.Wrapf(ErrDecoding, "header field %d has type %q, want %q", code, v.Signature, want)
		}

		switch code {
		case fieldPath:
			m.Path = v.Value.(ObjectPath)
		case fieldInterface:
			m.Interface = v.Value.(string)
		case fieldMember:
			m.Member = v.Value.(string)
		case fieldErrorName:
			m.ErrorName = v.Value.(string)
		case fieldReplySerial:
			m.ReplySerial = v.Value.(uint32)
		case fieldDestination:
			m.Destination = v.Value.(string)
		case fieldSender:
			m.Sender = v.Value.(string)
		case fieldSignature:
			m.Signature = v.Value.(string)
		case fieldUnixFDs:
			m.UnixFDs = v.Value.(uint32)
		}
	}
	return nil
}

// Args decodes the body according to the message signature.
func (m *Message) Args() ([]interface{}, error) {
	if m.Signature == "" {
		if len(m.Body) != 0 {
			return nil, errors.Wrap(ErrDecoding, "body present without a signature")
		}
		return nil, nil
	}
	order := m.order
	if order == nil {
		order = binary.LittleEndian
	}
	return NewDecoder(order, m.Body, 0).Decode(m.Signature)
}

// AsError converts an error reply into an *Error. The human readable
// message is the first body argument when it is a string.
func (m *Message) AsError() *Error {
	if m.Type != TypeError {
		return nil
	}
	e := &Error{Name: m.ErrorName}
	if args, err := m.Args(); err == nil && len(args) > 0 {
		if s, ok := args[0].(string); ok {
			e.Message = s
		}
	}
	return e
}
