package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FDSource hands out received descriptors in arrival order.
type FDSource interface {
	NextFD() (int, bool)
}

// Decode decodes a payload against a signature. Values are int32, uint32,
// Fixed, string, []byte, uint32 (object and new_id) and int (fd).
func Decode(signature string, payload []byte, fds FDSource) ([]any, error) {
	sig, err := ParseSignature(signature)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(sig.Args))
	p := payload
	for i, a := range sig.Args {
		if a.Type == TypeFD {
			if fds == nil {
				return nil, ErrMissingFD
			}
			fd, ok := fds.NextFD()
			if !ok {
				return nil, ErrMissingFD
			}
			out = append(out, fd)
			continue
		}
		if len(p) < 4 {
			return nil, fmt.Errorf("%w: arg %d truncated", ErrMalformed, i)
		}
		word := binary.NativeEndian.Uint32(p)
		p = p[4:]
		switch a.Type {
		case TypeInt:
			out = append(out, int32(word))
		case TypeUint:
			out = append(out, word)
		case TypeFixed:
			out = append(out, Fixed(int32(word)))
		case TypeObject, TypeNewID:
			if word == 0 && !a.Nullable {
				return nil, fmt.Errorf("%w: arg %d is a null object", ErrMalformed, i)
			}
			out = append(out, word)
		case TypeString:
			if word == 0 {
				if !a.Nullable {
					return nil, fmt.Errorf("%w: arg %d is a null string", ErrMalformed, i)
				}
				out = append(out, "")
				continue
			}
			n := padded(int(word))
			if int(word) > len(p) || n > len(p) {
				return nil, fmt.Errorf("%w: arg %d string overruns message", ErrMalformed, i)
			}
			s := p[:word]
			if s[len(s)-1] != 0 || bytes.IndexByte(s[:len(s)-1], 0) >= 0 {
				return nil, fmt.Errorf("%w: arg %d string not NUL terminated", ErrMalformed, i)
			}
			out = append(out, string(s[:len(s)-1]))
			p = p[n:]
		case TypeArray:
			n := padded(int(word))
			if int(word) > len(p) || n > len(p) {
				return nil, fmt.Errorf("%w: arg %d array overruns message", ErrMalformed, i)
			}
			b := make([]byte, word)
			copy(b, p[:word])
			out = append(out, b)
			p = p[n:]
		}
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(p))
	}
	return out, nil
}

// ParseHeader splits a message header.
func ParseHeader(b []byte) (objectID uint32, opcode uint16, size int) {
	objectID = binary.NativeEndian.Uint32(b)
	word := binary.NativeEndian.Uint32(b[4:])
	return objectID, uint16(word & 0xffff), int(word >> 16)
}

// Uint32s unpacks a wire array of uint32 values. Trailing bytes are ignored.
func Uint32s(b []byte) []uint32 {
	out := make([]uint32, 0, len(b)/4)
	for len(b) >= 4 {
		out = append(out, binary.NativeEndian.Uint32(b))
		b = b[4:]
	}
	return out
}

// Strings unpacks NUL-separated strings. A missing final NUL still yields
// the last string; empty entries are dropped.
func Strings(b []byte) []string {
	var out []string
	for len(b) > 0 {
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			out = append(out, string(b))
			break
		}
		if i > 0 {
			out = append(out, string(b[:i]))
		}
		b = b[i+1:]
	}
	return out
}
