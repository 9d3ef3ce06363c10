package wire

import (
	"encoding/binary"
	"fmt"
)

// Encoder accumulates encoded messages and the descriptors they carry.
type Encoder struct {
	buf []byte
	fds []int
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) FDs() []int {
	return e.fds
}

func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
	e.fds = e.fds[:0]
}

// Message appends one message. On error nothing is appended.
func (e *Encoder) Message(objectID uint32, opcode uint16, signature string, args ...any) error {
	sig, err := ParseSignature(signature)
	if err != nil {
		return err
	}
	if len(args) != len(sig.Args) {
		return fmt.Errorf("%w: %d args for signature %q", ErrMalformed, len(args), signature)
	}

	start := len(e.buf)
	nfds := len(e.fds)
	e.buf = binary.NativeEndian.AppendUint32(e.buf, objectID)
	e.buf = binary.NativeEndian.AppendUint32(e.buf, 0)

	for i, a := range sig.Args {
		if err := e.arg(a, args[i]); err != nil {
			e.buf = e.buf[:start]
			e.fds = e.fds[:nfds]
			return fmt.Errorf("arg %d: %w", i, err)
		}
	}

	size := len(e.buf) - start
	if size > 0xffff {
		e.buf = e.buf[:start]
		e.fds = e.fds[:nfds]
		return ErrMessageTooLarge
	}
	binary.NativeEndian.PutUint32(e.buf[start+4:], uint32(size)<<16|uint32(opcode))
	return nil
}

func (e *Encoder) arg(a Arg, v any) error {
	switch a.Type {
	case TypeInt:
		n, ok := toInt32(v)
		if !ok {
			return fmt.Errorf("%w: want int, got %T", ErrMalformed, v)
		}
		e.buf = binary.NativeEndian.AppendUint32(e.buf, uint32(n))
	case TypeUint, TypeObject, TypeNewID:
		n, ok := toUint32(v)
		if !ok {
			return fmt.Errorf("%w: want uint, got %T", ErrMalformed, v)
		}
		if n == 0 && a.Type != TypeUint && !a.Nullable {
			return fmt.Errorf("%w: null object for non-nullable argument", ErrMalformed)
		}
		e.buf = binary.NativeEndian.AppendUint32(e.buf, n)
	case TypeFixed:
		f, ok := v.(Fixed)
		if !ok {
			return fmt.Errorf("%w: want fixed, got %T", ErrMalformed, v)
		}
		e.buf = binary.NativeEndian.AppendUint32(e.buf, uint32(f))
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: want string, got %T", ErrMalformed, v)
		}
		if s == "" && a.Nullable {
			e.buf = binary.NativeEndian.AppendUint32(e.buf, 0)
			return nil
		}
		e.buf = binary.NativeEndian.AppendUint32(e.buf, uint32(len(s)+1))
		e.buf = append(e.buf, s...)
		e.buf = append(e.buf, 0)
		e.pad()
	case TypeArray:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: want array, got %T", ErrMalformed, v)
		}
		e.buf = binary.NativeEndian.AppendUint32(e.buf, uint32(len(b)))
		e.buf = append(e.buf, b...)
		e.pad()
	case TypeFD:
		fd, ok := v.(int)
		if !ok || fd < 0 {
			return fmt.Errorf("%w: want fd, got %v", ErrMalformed, v)
		}
		e.fds = append(e.fds, fd)
	default:
		return fmt.Errorf("%w: type %q", ErrBadSignature, string(a.Type))
	}
	return nil
}

func (e *Encoder) pad() {
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
}

func toInt32(v any) (int32, bool) {
	switch n := v.(type) {
	case int32:
		return n, true
	case int:
		return int32(n), true
	}
	return 0, false
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case int:
		return uint32(n), n >= 0
	case uint:
		return uint32(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Uint32Array packs values into a wire array, as used by state lists.
func Uint32Array(values ...uint32) []byte {
	b := make([]byte, 0, 4*len(values))
	for _, v := range values {
		b = binary.NativeEndian.AppendUint32(b, v)
	}
	return b
}

// StringArray packs NUL-terminated strings back to back.
func StringArray(values ...string) []byte {
	var b []byte
	for _, v := range values {
		b = append(b, v...)
		b = append(b, 0)
	}
	return b
}
