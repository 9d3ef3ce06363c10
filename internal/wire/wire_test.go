package wire

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fdList []int

func (f *fdList) NextFD() (int, bool) {
	if len(*f) == 0 {
		return -1, false
	}
	fd := (*f)[0]
	*f = (*f)[1:]
	return fd, true
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name    string
		sig     string
		since   uint32
		args    int
		wantErr bool
	}{
		{name: "empty", sig: "", since: 1},
		{name: "plain", sig: "usun", since: 1, args: 4},
		{name: "since", sig: "4s", since: 4, args: 1},
		{name: "nullable object", sig: "?o", since: 1, args: 1},
		{name: "nullable int rejected", sig: "?i", wantErr: true},
		{name: "unknown type", sig: "x", wantErr: true},
		{name: "dangling", sig: "u?", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignature(tt.sig)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadSignature)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.since, sig.Since)
			assert.Len(t, sig.Args, tt.args)
		})
	}
}

func TestEncodeHeaderAndPadding(t *testing.T) {
	var e Encoder
	require.NoError(t, e.Message(7, 3, "su", "abc", uint32(9)))

	b := e.Bytes()
	id, opcode, size := ParseHeader(b)
	assert.Equal(t, uint32(7), id)
	assert.Equal(t, uint16(3), opcode)
	// header 8 + len 4 + "abc\0" 4 + uint 4
	assert.Equal(t, 20, size)
	assert.Len(t, b, 20)
}

func TestEncodeRejectsBadArgs(t *testing.T) {
	var e Encoder
	assert.Error(t, e.Message(1, 0, "u", "not a number"))
	assert.Error(t, e.Message(1, 0, "o", uint32(0)))
	assert.Error(t, e.Message(1, 0, "uu", uint32(1)))
	assert.Zero(t, e.Len(), "failed messages must not leave partial bytes")
}

func TestDecodeAllTypes(t *testing.T) {
	var e Encoder
	arr := Uint32Array(1, 4, 8)
	require.NoError(t, e.Message(2, 1, "ifs?sao?onh",
		int32(-5), FixedFromFloat(1.5), "hello", "", arr, uint32(12), uint32(0), uint32(99), 42))

	frames, rest, err := Split(e.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Empty(t, rest)

	fds := fdList{42}
	args, err := Decode("ifs?sao?onh", frames[0].Payload, &fds)
	require.NoError(t, err)
	require.Len(t, args, 9)
	assert.Equal(t, int32(-5), args[0])
	assert.Equal(t, 1.5, args[1].(Fixed).Float())
	assert.Equal(t, "hello", args[2])
	assert.Equal(t, "", args[3])
	assert.Equal(t, []uint32{1, 4, 8}, Uint32s(args[4].([]byte)))
	assert.Equal(t, uint32(12), args[5])
	assert.Equal(t, uint32(0), args[6])
	assert.Equal(t, uint32(99), args[7])
	assert.Equal(t, 42, args[8])
}

func TestDecodeMalformed(t *testing.T) {
	var e Encoder
	require.NoError(t, e.Message(2, 0, "s", "abc"))
	payload := e.Bytes()[HeaderSize:]

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode("su", payload, nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Decode("", payload, nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("null string", func(t *testing.T) {
		_, err := Decode("s", []byte{0, 0, 0, 0}, nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("missing fd", func(t *testing.T) {
		_, err := Decode("h", nil, &fdList{})
		assert.ErrorIs(t, err, ErrMissingFD)
	})
}

func TestSplitPartialAndOversized(t *testing.T) {
	var e Encoder
	require.NoError(t, e.Message(1, 0, "u", uint32(1)))
	require.NoError(t, e.Message(1, 1, "u", uint32(2)))
	all := e.Bytes()

	frames, rest, err := Split(all[:len(all)-2])
	require.NoError(t, err)
	assert.Len(t, frames, 1)
	assert.Len(t, rest, 10)

	bad := []byte{1, 0, 0, 0, 0, 0, 0xff, 0xff}
	_, _, err = Split(bad)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestStringsAndArrays(t *testing.T) {
	assert.Equal(t, []string{"HDMI-1", "DP-2"}, Strings(StringArray("HDMI-1", "DP-2")))
	assert.Equal(t, []string{"a", "b"}, Strings([]byte("a\x00\x00b")))
	assert.Empty(t, Strings(nil))
}

func TestFixed(t *testing.T) {
	assert.Equal(t, 3, FixedFromInt(3).Int())
	assert.Equal(t, -2, FixedFromInt(-2).Int())
	assert.Equal(t, "0.25", FixedFromFloat(0.25).String())
}

func TestReaderReceivesDescriptors(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	a := fileConn(t, pair[0])
	b := fileConn(t, pair[1])

	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	defer f.Close()

	var e Encoder
	require.NoError(t, e.Message(5, 2, "sh", "img", int(f.Fd())))
	_, _, err = a.WriteMsgUnix(e.Bytes(), unix.UnixRights(e.FDs()...), nil)
	require.NoError(t, err)

	r := NewReader(b)
	frames, fds, err := r.Read()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Len(t, fds, 1)
	defer unix.Close(fds[0])

	src := fdList(fds)
	args, err := Decode("sh", frames[0].Payload, &src)
	require.NoError(t, err)
	assert.Equal(t, "img", args[0])
	assert.GreaterOrEqual(t, args[1].(int), 0)
}

func fileConn(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "socketpair")
	c, err := net.FileConn(f)
	require.NoError(t, err)
	f.Close()
	t.Cleanup(func() { c.Close() })
	return c.(*net.UnixConn)
}
