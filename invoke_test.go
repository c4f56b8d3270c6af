package psyscall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// fakeSubject plays the kernel of a process for tests which do not need a real one.
type fakeSubject struct {
	model DataModel
	start uint64
	// err is returned from Execute after args has been called, as if the call could not be executed.
	err errors.E
	// kernel runs the system call, it can modify payload and returns the raw result.
	kernel func(f *fakeSubject, payload []byte) uint64

	calls     int
	number    int
	arguments [6]uint64
	payloadIn []byte
}

func (f *fakeSubject) DataModel() DataModel {
	return f.model
}

func (f *fakeSubject) Execute(call int, args func(start uint64) ([]byte, [6]uint64, errors.E)) (uint64, errors.E) {
	f.calls++
	f.number = call
	payload, arguments, errE := args(f.start)
	if errE != nil {
		return uint64(errorReturn), errE //nolint:gosec
	}
	f.arguments = arguments
	f.payloadIn = append([]byte(nil), payload...)
	if f.err != nil {
		return uint64(errorReturn), f.err //nolint:gosec
	}
	var res uint64
	if f.kernel != nil {
		res = f.kernel(f, payload)
	}
	return res, nil
}

// at returns the part of payload at the process address addr.
func (f *fakeSubject) at(payload []byte, addr uint64, size int) []byte {
	offset := addr - f.start
	return payload[offset : offset+uint64(size)]
}

func negErrno(errno unix.Errno) uint64 {
	return -uint64(errno)
}

var testCall = Call{Name: "test", Native: 1000, ILP32: 2000}

func TestInvokeAbsentSubject(t *testing.T) {
	t.Parallel()

	called := 0
	req := Request{
		Call: testCall,
		Args: []Arg{Value(1)},
		Local: func() (uint64, errors.E) {
			called++
			return 42, nil
		},
	}

	res, errE := Invoke(nil, req)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, uint64(42), res)

	var p *Process
	res, errE = Invoke(p, req)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, uint64(42), res)
	assert.Equal(t, 2, called)

	req.Local = nil
	res, errE = Invoke(nil, req)
	assert.Equal(t, uint64(errorReturn), res) //nolint:gosec
	assert.ErrorIs(t, errE, unix.ENOTSUP)
}

func TestInvokeInvalidArguments(t *testing.T) {
	t.Parallel()

	for _, args := range [][]Arg{
		{Value(0), Value(1), Value(2), Value(3), Value(4), Value(5), Value(6)},
		{Ref{Data: nil, Direction: In}},
		{Ref{Data: []byte{1}, Direction: Direction(7)}},
		{Block{Layout: nil, Direction: In}},
		{nil},
	} {
		f := &fakeSubject{model: Native, start: 0x1000}
		res, errE := Invoke(f, Request{Call: testCall, Args: args})
		assert.Equal(t, uint64(errorReturn), res) //nolint:gosec
		assert.ErrorIs(t, errE, ErrInvalidArgument)
		assert.ErrorIs(t, errE, unix.EINVAL)
		assert.Equal(t, 0, f.calls)
	}
}

func TestInvokeLayout(t *testing.T) {
	t.Parallel()

	in := []byte{1, 2, 3}
	out := []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	inout := []byte{7, 7}

	f := &fakeSubject{
		model: Native,
		start: 0x1000,
		kernel: func(f *fakeSubject, payload []byte) uint64 {
			copy(f.at(payload, f.arguments[2], 5), []byte{5, 4, 3, 2, 1})
			copy(f.at(payload, f.arguments[3], 2), []byte{8, 9})
			return 3
		},
	}

	res, errE := Invoke(f, Request{Call: testCall, Args: []Arg{
		Value(0xFFFFFFFFFFFFFFFF),
		Ref{Data: in, Direction: In},
		Ref{Data: out, Direction: Out},
		Ref{Data: inout, Direction: InOut},
	}})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, uint64(3), res)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 1000, f.number)

	// Every buffer is 8-byte aligned and out buffers start zeroed.
	assert.Equal(t, [6]uint64{0xFFFFFFFFFFFFFFFF, 0x1000, 0x1008, 0x1010, 0, 0}, f.arguments)
	assert.Equal(t, []byte{
		1, 2, 3, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
		7, 7,
	}, f.payloadIn)

	assert.Equal(t, []byte{1, 2, 3}, in)
	assert.Equal(t, []byte{5, 4, 3, 2, 1}, out)
	assert.Equal(t, []byte{8, 9}, inout)
}

func TestInvokeILP32(t *testing.T) {
	t.Parallel()

	f := &fakeSubject{
		model: ILP32,
		start: 0x2000,
		kernel: func(_ *fakeSubject, _ []byte) uint64 {
			return 0
		},
	}

	_, errE := Invoke(f, Request{Call: testCall, Args: []Arg{
		Value(0xFFFFFFFFFFFFFFFF),
		Ref{Data: []byte{1}, Direction: In},
	}})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, 2000, f.number)
	assert.Equal(t, [6]uint64{0xFFFFFFFF, 0x2000, 0, 0, 0, 0}, f.arguments)

	f = &fakeSubject{model: ILP32, start: 0x2000}
	_, errE = Invoke(f, Request{Call: Call{Name: "native only", Native: 1000}})
	assert.ErrorIs(t, errE, ErrDataModelNotSupported)
	assert.ErrorIs(t, errE, unix.ENOTSUP)
	assert.Equal(t, 0, f.calls)
}

func TestInvokeBlock(t *testing.T) {
	t.Parallel()

	var block []byte
	f := &fakeSubject{
		model: Native,
		start: 0x3000,
		kernel: func(f *fakeSubject, payload []byte) uint64 {
			// The argument points 4 bytes into the block, which starts after the first Ref.
			assert.Equal(t, uint64(0x3000+8+4), f.arguments[1])
			copy(f.at(payload, f.arguments[1], 4), []byte{9, 9, 9, 9})
			return 0
		},
	}

	_, errE := Invoke(f, Request{Call: testCall, Args: []Arg{
		Ref{Data: []byte{1}, Direction: In},
		Block{
			Layout: func(start uint64) ([]byte, uint64, errors.E) {
				assert.Equal(t, uint64(0x3008), start)
				block = []byte{1, 2, 3, 4, 5, 6, 7, 8}
				return block, 4, nil
			},
			Direction: InOut,
		},
	}})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, []byte{1, 2, 3, 4, 9, 9, 9, 9}, block)

	f = &fakeSubject{model: Native, start: 0x3000}
	_, errE = Invoke(f, Request{Call: testCall, Args: []Arg{
		Block{
			Layout: func(_ uint64) ([]byte, uint64, errors.E) {
				return []byte{1, 2}, 2, nil
			},
			Direction: In,
		},
	}})
	assert.ErrorIs(t, errE, ErrInvalidArgument)
}

func TestInvokeSubjectFailure(t *testing.T) {
	t.Parallel()

	out := []byte{0xAA, 0xAA}
	f := &fakeSubject{
		model: Native,
		start: 0x1000,
		kernel: func(f *fakeSubject, payload []byte) uint64 {
			copy(f.at(payload, f.arguments[0], 2), []byte{1, 1})
			return negErrno(unix.EFAULT)
		},
	}

	res, errE := Invoke(f, Request{Call: testCall, Args: []Arg{Ref{Data: out, Direction: Out}}})
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, negErrno(unix.EFAULT), res)
	assert.Equal(t, unix.EFAULT, Errno(res))
	assert.Equal(t, []byte{0xAA, 0xAA}, out)

	n, errE := result(testCall, res)
	assert.Equal(t, -1, n)
	assert.ErrorIs(t, errE, unix.EFAULT)
}

func TestInvokeCommunicationFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    errors.E
		target error
		not    error
	}{
		{"errno", errors.WithDetails(unix.EPERM, "pid", 1), unix.EPERM, unix.ENOTSUP},
		{"exited", errors.WithDetails(ErrProcessExited), unix.ESRCH, unix.ENOTSUP},
		{"unknown", errors.New("unknown failure"), unix.ENOTSUP, unix.EPERM},
		{"unexpected", errors.WithDetails(ErrUnexpectedWaitStatus), unix.ENOTSUP, unix.EPERM},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := []byte{0xAA}
			f := &fakeSubject{model: Native, start: 0x1000, err: tt.err}
			res, errE := Invoke(f, Request{Call: testCall, Args: []Arg{Ref{Data: out, Direction: Out}}})
			assert.Equal(t, uint64(errorReturn), res) //nolint:gosec
			assert.ErrorIs(t, errE, tt.target)
			assert.NotErrorIs(t, errE, tt.not)
			assert.Equal(t, "test", errors.Details(tt.err)["call"])
			assert.Equal(t, []byte{0xAA}, out)
			assert.Equal(t, 1, f.calls)
		})
	}
}

func TestErrno(t *testing.T) {
	t.Parallel()

	assert.Equal(t, unix.Errno(0), Errno(0))
	assert.Equal(t, unix.Errno(0), Errno(0x7FFFFFFFFFFFFFFF))
	assert.Equal(t, unix.Errno(0), Errno(0xFFFFFFFFFFFFF000))
	assert.Equal(t, unix.Errno(4095), Errno(0xFFFFFFFFFFFFF001))
	assert.Equal(t, unix.EINVAL, Errno(negErrno(unix.EINVAL)))
}

func TestWidenResult(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFEA), widenResult(Native, 0xFFFFFFFFFFFFFFEA))
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFEA), widenResult(ILP32, 0xFFFFFFEA))
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFEA), widenResult(ILP32, 0xFFFFFFFFFFFFFFEA))
	assert.Equal(t, uint64(0xF7F00000), widenResult(ILP32, 0xF7F00000))
	assert.Equal(t, uint64(0xFFFFF000), widenResult(ILP32, 0xFFFFF000))
	assert.Equal(t, uint64(5), widenResult(ILP32, 0x1234567800000005))

	assert.Equal(t, uint64(0xFFFFFFFF), narrowArgument(ILP32, 0xFFFFFFFFFFFFFFFF))
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), narrowArgument(Native, 0xFFFFFFFFFFFFFFFF))
}
