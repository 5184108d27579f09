package dbus

import (
	"github.com/pkg/errors"
)

// Type codes of the D-Bus type system.
const (
	TypeByte       byte = 'y'
	TypeBoolean    byte = 'b'
	TypeInt16      byte = 'n'
	TypeUint16     byte = 'q'
	TypeInt32      byte = 'i'
	TypeUint32     byte = 'u'
	TypeInt64      byte = 'x'
	TypeUint64     byte = 't'
	TypeDouble     byte = 'd'
	TypeString     byte = 's'
	TypeObjectPath byte = 'o'
	TypeSignature  byte = 'g'
	TypeUnixFD     byte = 'h'
	TypeArray      byte = 'a'
	TypeVariant    byte = 'v'
	TypeStructOpen byte = '('
	TypeStructEnd  byte = ')'
	TypeDictOpen   byte = '{'
	TypeDictEnd    byte = '}'
)

const (
	maxSignatureLen = 255
	maxNesting      = 32
)

// alignment returns the wire alignment of the type starting with code.
func alignment(code byte) int {
	switch code {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeString, TypeObjectPath, TypeArray, TypeUnixFD:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStructOpen, TypeDictOpen:
		return 8
	}
	return 1
}

func isBasic(code byte) bool {
	switch code {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD:
		return true
	}
	return false
}

// nextType splits the first complete type off sig.
func nextType(sig string) (string, string, error) {
	n, err := completeTypeLen(sig, 0, 0, 0)
	if err != nil {
		return "", "", err
	}
	return sig[:n], sig[n:], nil
}

func completeTypeLen(sig string, pos, arrays, structs int) (int, error) {
	if pos >= len(sig) {
		return 0, errors.Wrapf(ErrSignature, "%q: missing type", sig)
	}
	if arrays > maxNesting || structs > maxNesting {
		return 0, errors.Wrapf(ErrSignature, "%q: nested too deeply", sig)
	}
	code := sig[pos]
	switch {
	case isBasic(code), code == TypeVariant:
		return pos + 1, nil
	case code == TypeArray:
		if pos+1 < len(sig) && sig[pos+1] == TypeDictOpen {
			return dictEntryLen(sig, pos+1, arrays+1, structs)
		}
		return completeTypeLen(sig, pos+1, arrays+1, structs)
	case code == TypeStructOpen:
		p := pos + 1
		if p < len(sig) && sig[p] == TypeStructEnd {
			return 0, errors.Wrapf(ErrSignature, "%q: empty struct", sig)
		}
		for p < len(sig) && sig[p] != TypeStructEnd {
			var err error
			p, err = completeTypeLen(sig, p, arrays, structs+1)
			if err != nil {
				return 0, err
			}
		}
		if p >= len(sig) {
			return 0, errors.Wrapf(ErrSignature, "%q: unterminated struct", sig)
		}
		return p + 1, nil
	}
	return 0, errors.Wrapf(ErrSignature, "%q: unexpected type code %q", sig, code)
}

// dictEntryLen parses "{kv}" at pos, only legal directly inside an array.
func dictEntryLen(sig string, pos, arrays, structs int) (int, error) {
	p := pos + 1
	if p >= len(sig) || !isBasic(sig[p]) {
		return 0, errors.Wrapf(ErrSignature, "%q: dict key must be a basic type", sig)
	}
	p++
	p, err := completeTypeLen(sig, p, arrays, structs+1)
	if err != nil {
		return 0, err
	}
	if p >= len(sig) || sig[p] != TypeDictEnd {
		return 0, errors.Wrapf(ErrSignature, "%q: malformed dict entry", sig)
	}
	return p + 1, nil
}

// ValidateSignature reports whether sig is a sequence of complete types.
func ValidateSignature(sig string) error {
	if len(sig) > maxSignatureLen {
		return errors.Wrapf(ErrSignature, "signature longer than %d bytes", maxSignatureLen)
	}
	for rest := sig; rest != ""; {
		var err error
		if _, rest, err = nextType(rest); err != nil {
			return err
		}
	}
	return nil
}

// validateSingle reports whether sig is exactly one complete type.
func validateSingle(sig string) error {
	if err := ValidateSignature(sig); err != nil {
		return err
	}
	first, rest, err := nextType(sig)
	if err != nil {
		return err
	}
	if rest != "" {
		return errors.Wrapf(ErrSignature, "%q: expected a single complete type, got %q followed by %q", sig, first, rest)
	}
	return nil
}
