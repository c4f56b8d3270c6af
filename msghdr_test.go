package psyscall

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

func TestNewMsghdr(t *testing.T) {
	t.Parallel()

	iov := []byte{1, 2, 3}
	control := []byte{4, 5, 6}
	offset, data := newMsghdr(Native, 42, iov, control)
	assert.Equal(t, uint64(22), offset)
	assert.Equal(t, []byte{
		0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x2a, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x3, 0x0, 0x0, 0x0, 0x0,
		0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
		0x30, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x1, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x2d, 0x0, 0x0,
		0x0, 0x0, 0x0, 0x0, 0x0, 0x3, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
		0x0, 0x0,
	}, data)

	offset, data = newMsghdr(ILP32, 42, iov, control)
	assert.Equal(t, uint64(14), offset)
	assert.Equal(t, []byte{
		0x1, 0x2, 0x3, 0x4, 0x5, 0x6,
		0x2a, 0x0, 0x0, 0x0, 0x3, 0x0, 0x0, 0x0,
		0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x30, 0x0, 0x0, 0x0, 0x1, 0x0, 0x0, 0x0,
		0x2d, 0x0, 0x0, 0x0, 0x3, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	}, data)
}

func TestNewMsghdrNoControl(t *testing.T) {
	t.Parallel()

	for _, model := range []DataModel{Native, ILP32} {
		offset, data := newMsghdr(model, 0x1000, []byte{1}, nil)
		controln, flags := parseMsghdr(model, data, offset)
		assert.Equal(t, uint64(0), controln)
		assert.Equal(t, int32(0), flags)

		controlField := offset + 16
		if model == ILP32 {
			assert.Equal(t, uint32(0), nativeEndian.Uint32(data[controlField:]))
		} else {
			controlField = offset + 32
			assert.Equal(t, uint64(0), nativeEndian.Uint64(data[controlField:]))
		}
	}
}

func TestParseMsghdr(t *testing.T) {
	t.Parallel()

	offset, data := newMsghdr(Native, 0x1000, []byte{1, 2}, make([]byte, 16))
	nativeEndian.PutUint64(data[offset+msghdrControllen:], 12)
	nativeEndian.PutUint32(data[offset+msghdrFlags:], unix.MSG_CTRUNC)
	controln, flags := parseMsghdr(Native, data, offset)
	assert.Equal(t, uint64(12), controln)
	assert.Equal(t, int32(unix.MSG_CTRUNC), flags)

	offset, data = newMsghdr(ILP32, 0x1000, []byte{1, 2}, make([]byte, 16))
	nativeEndian.PutUint32(data[offset+msghdr32Controllen:], 16)
	nativeEndian.PutUint32(data[offset+msghdr32Flags:], unix.MSG_TRUNC)
	controln, flags = parseMsghdr(ILP32, data, offset)
	assert.Equal(t, uint64(16), controln)
	assert.Equal(t, int32(unix.MSG_TRUNC), flags)
}

func TestSockaddrUnix(t *testing.T) {
	t.Parallel()

	addr, errE := sockaddrUnix("@abc")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, []byte{unix.AF_UNIX, 0, 0, 'a', 'b', 'c'}, addr)

	addr, errE = sockaddrUnix("/tmp/x")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, []byte{unix.AF_UNIX, 0, '/', 't', 'm', 'p', '/', 'x', 0}, addr)

	addr, errE = sockaddrUnix("/" + strings.Repeat("a", 106))
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Len(t, addr, 110)

	addr, errE = sockaddrUnix("@" + strings.Repeat("a", 107))
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Len(t, addr, 110)

	_, errE = sockaddrUnix("/" + strings.Repeat("a", 107))
	assert.ErrorIs(t, errE, ErrInvalidArgument)

	_, errE = sockaddrUnix("")
	assert.ErrorIs(t, errE, ErrInvalidArgument)
}

// rights32 is SCM_RIGHTS control message with fd in the ILP32 layout.
func rights32(fd uint32) []byte {
	b := nativeEndian.AppendUint32(nil, cmsghdr32Size+4)
	b = nativeEndian.AppendUint32(b, unix.SOL_SOCKET)
	b = nativeEndian.AppendUint32(b, unix.SCM_RIGHTS)
	return nativeEndian.AppendUint32(b, fd)
}

func TestControlTo32(t *testing.T) {
	t.Parallel()

	control := append(unix.UnixRights(5), unix.UnixRights(6, 7)...)
	control32, errE := controlTo32(control)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, append(rights32(5), []byte{
		20, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 6, 0, 0, 0, 7, 0, 0, 0,
	}...), control32)

	native, truncated, errE := controlToNative(control32, len(control))
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, truncated)
	assert.Equal(t, control, native)

	control32, errE = controlTo32(nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Empty(t, control32)

	bad := unix.UnixRights(5)
	nativeEndian.PutUint64(bad, 100)
	_, errE = controlTo32(bad)
	assert.ErrorIs(t, errE, ErrInvalidArgument)
}

func TestControlToNative(t *testing.T) {
	t.Parallel()

	// Only the first message fits.
	control32 := append(rights32(5), rights32(6)...)
	native, truncated, errE := controlToNative(control32, unix.CmsgSpace(4)+4)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.True(t, truncated)
	assert.Equal(t, unix.UnixRights(5), native)

	bad := rights32(5)
	nativeEndian.PutUint32(bad, 40)
	_, _, errE = controlToNative(bad, 64)
	assert.ErrorIs(t, errE, ErrUnexpectedControlMessage)

	native, truncated, errE = controlToNative(nil, 64)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.False(t, truncated)
	assert.Empty(t, native)
}

func TestSysSendmsgILP32(t *testing.T) {
	t.Parallel()

	var received []byte
	f := &fakeSubject{
		model: ILP32,
		start: 0x4000,
		kernel: func(f *fakeSubject, payload []byte) uint64 {
			assert.Equal(t, sys32Sendmsg, f.number)
			msg := f.at(payload, f.arguments[1], msghdr32Size)
			control := nativeEndian.Uint32(msg[16:])
			controllen := nativeEndian.Uint32(msg[msghdr32Controllen:])
			received = append([]byte(nil), f.at(payload, uint64(control), int(controllen))...)
			return 1
		},
	}

	n, controln, errE := SysSendmsg(f, 7, []byte{0}, unix.UnixRights(5), 0)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, 1, n)
	assert.Equal(t, len(unix.UnixRights(5)), controln)
	assert.Equal(t, rights32(5), received)
}

func TestSysRecvmsgILP32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		controlSize int
		controln    int
		flags       int
	}{
		{"fits", 32, unix.CmsgSpace(4), unix.MSG_TRUNC},
		{"truncated", 20, 0, unix.MSG_TRUNC | unix.MSG_CTRUNC},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := &fakeSubject{
				model: ILP32,
				start: 0x4000,
				kernel: func(f *fakeSubject, payload []byte) uint64 {
					assert.Equal(t, sys32Recvmsg, f.number)
					assert.Equal(t, uint64(7), f.arguments[0])
					msg := f.at(payload, f.arguments[1], msghdr32Size)
					iovec := nativeEndian.Uint32(msg[8:])
					base := nativeEndian.Uint32(f.at(payload, uint64(iovec), 4))
					copy(f.at(payload, uint64(base), 3), "abc")
					control := nativeEndian.Uint32(msg[16:])
					copy(f.at(payload, uint64(control), cmsghdr32Size+4), rights32(9))
					nativeEndian.PutUint32(msg[msghdr32Controllen:], cmsghdr32Size+4)
					nativeEndian.PutUint32(msg[msghdr32Flags:], unix.MSG_TRUNC)
					return 3
				},
			}

			iov := make([]byte, 4)
			control := make([]byte, tt.controlSize)
			n, controln, flags, errE := SysRecvmsg(f, 7, iov, control, 0)
			require.NoError(t, errE, "% -+#.1v", errE)
			assert.Equal(t, 3, n)
			assert.Equal(t, tt.controln, controln)
			assert.Equal(t, tt.flags, flags)
			assert.Equal(t, []byte("abc\x00"), iov)

			fds, errE := parseRights(control[:controln])
			require.NoError(t, errE, "% -+#.1v", errE)
			if tt.controln > 0 {
				assert.Equal(t, []int{9}, fds)
			} else {
				assert.Empty(t, fds)
			}
		})
	}
}

func TestSysSendmsgFailure(t *testing.T) {
	t.Parallel()

	f := &fakeSubject{
		model: Native,
		start: 0x4000,
		kernel: func(_ *fakeSubject, _ []byte) uint64 {
			return negErrno(unix.EBADF)
		},
	}

	n, controln, errE := SysSendmsg(f, 100, []byte{0}, unix.UnixRights(1), 0)
	assert.Equal(t, -1, n)
	assert.Equal(t, 0, controln)
	assert.ErrorIs(t, errE, unix.EBADF)
	assert.Equal(t, "sendmsg", errors.AllDetails(errE)["call"])
	// The whole block is placed into the process.
	assert.True(t, bytes.HasPrefix(f.payloadIn, []byte{0}))
}
