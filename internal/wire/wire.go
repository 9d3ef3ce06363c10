// Package wire implements the Wayland wire format: message framing,
// argument marshalling and file descriptor passing.
package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	// HeaderSize is the size of the object id + size/opcode header.
	HeaderSize = 8

	// MaxMessageSize is the largest message accepted from a peer.
	MaxMessageSize = 4096

	// MaxFDsOut is the most descriptors attached to a single sendmsg.
	MaxFDsOut = 28
)

var (
	ErrMessageTooLarge = errors.New("wire: message too large")
	ErrMalformed       = errors.New("wire: malformed message")
	ErrMissingFD       = errors.New("wire: missing file descriptor")
	ErrBadSignature    = errors.New("wire: bad signature")
)

// Argument type codes, as used in message signatures.
const (
	TypeInt    byte = 'i'
	TypeUint   byte = 'u'
	TypeFixed  byte = 'f'
	TypeString byte = 's'
	TypeObject byte = 'o'
	TypeNewID  byte = 'n'
	TypeArray  byte = 'a'
	TypeFD     byte = 'h'
)

// Fixed is a signed 24.8 fixed-point number.
type Fixed int32

func FixedFromFloat(v float64) Fixed {
	return Fixed(math.Round(v * 256))
}

func FixedFromInt(v int) Fixed {
	return Fixed(int32(v) << 8)
}

func (f Fixed) Float() float64 {
	return float64(f) / 256
}

func (f Fixed) Int() int {
	return int(int32(f) >> 8)
}

func (f Fixed) String() string {
	return strconv.FormatFloat(f.Float(), 'f', -1, 64)
}

// Arg describes one argument of a signature.
type Arg struct {
	Type     byte
	Nullable bool
}

// Signature is a parsed message signature such as "2?sua".
type Signature struct {
	Since uint32
	Args  []Arg
}

// ParseSignature parses a libwayland style signature string. A leading
// decimal number is the version the message appeared in, '?' marks the
// next argument nullable.
func ParseSignature(s string) (Signature, error) {
	sig := Signature{Since: 1}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 {
		v, err := strconv.ParseUint(s[:i], 10, 32)
		if err != nil {
			return sig, fmt.Errorf("%w: %q", ErrBadSignature, s)
		}
		sig.Since = uint32(v)
	}
	nullable := false
	for ; i < len(s); i++ {
		c := s[i]
		switch c {
		case '?':
			nullable = true
			continue
		case TypeInt, TypeUint, TypeFixed, TypeString, TypeObject, TypeNewID, TypeArray, TypeFD:
			if nullable && c != TypeString && c != TypeObject {
				return sig, fmt.Errorf("%w: %q cannot be nullable", ErrBadSignature, string(c))
			}
			sig.Args = append(sig.Args, Arg{Type: c, Nullable: nullable})
			nullable = false
		default:
			return sig, fmt.Errorf("%w: unknown type %q in %q", ErrBadSignature, string(c), s)
		}
	}
	if nullable {
		return sig, fmt.Errorf("%w: dangling '?' in %q", ErrBadSignature, s)
	}
	return sig, nil
}

// MustParseSignature is ParseSignature for package-level tables.
func MustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

// Frame is one undecoded message read from a peer.
type Frame struct {
	ObjectID uint32
	Opcode   uint16
	Payload  []byte
}

func padded(n int) int {
	return (n + 3) &^ 3
}
