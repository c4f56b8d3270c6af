package psyscall

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Call identifies a system call in the syscall tables of both data models.
type Call struct {
	Name string
	// Native is the syscall number for Native processes.
	Native int
	// ILP32 is the syscall number for ILP32 processes, 0 if the call is not available to them.
	ILP32 int
}

func (c Call) number(model DataModel) (int, bool) {
	switch model {
	case Native:
		return c.Native, true
	case ILP32:
		return c.ILP32, c.ILP32 != 0
	default:
		return 0, false
	}
}

// Request is a system call with its argument descriptors, in order.
type Request struct {
	Call Call
	Args []Arg
	// Local invokes the same system call in this (host) process with the
	// original arguments. It is used when there is no process to target.
	Local func() (uint64, errors.E)
}

// An output region of the payload and the caller's buffer it is copied into.
type outRegion struct {
	offset uint64
	dst    []byte
}

// Invoke invokes the system call of req inside the process s and returns its raw result.
//
// If s is nil (or a nil *Process) req.Local is called instead. Otherwise every Ref and Block
// is placed into the memory of the process and their addresses, together with Values, are
// passed in argument registers. After the call, Out and InOut buffers are updated with the
// contents of the process memory, but only if the call did not fail.
//
// A failed system call is not an error here: its raw result (-errno) is returned unchanged
// with nil error. Error is returned when the call could not be executed. If such an error
// carries an errno, it is returned as-is, otherwise it is joined with unix.ENOTSUP (or unix.EINVAL
// for invalid descriptors, unix.ESRCH if the process exited). Buffers are not modified
// when an error is returned. Invoke never retries.
func Invoke(s Subject, req Request) (uint64, errors.E) {
	if absent(s) {
		if req.Local == nil {
			return uint64(errorReturn), errors.Join( //nolint:gosec
				unix.ENOTSUP,
				errors.WithDetails(ErrProcessNotAttached, "call", req.Call.Name),
			)
		}
		return req.Local()
	}

	errE := validateArgs(req.Args)
	if errE != nil {
		errors.Details(errE)["call"] = req.Call.Name
		return uint64(errorReturn), normalizeError(errE) //nolint:gosec
	}

	model := s.DataModel()
	number, ok := req.Call.number(model)
	if !ok {
		return uint64(errorReturn), normalizeError(errors.WithDetails( //nolint:gosec
			ErrDataModelNotSupported,
			"call", req.Call.Name,
			"dataModel", model.String(),
		))
	}

	var payload []byte
	var outputs []outRegion
	res, errE := s.Execute(number, func(start uint64) ([]byte, [6]uint64, errors.E) {
		payload = nil
		outputs = nil
		var arguments [6]uint64
		for i, arg := range req.Args {
			switch a := arg.(type) {
			case Value:
				arguments[i] = narrowArgument(model, uint64(a))
			case Ref:
				offset := alignMemory(uint64(len(payload)))
				payload = padPayload(payload, offset)
				if a.Direction.in() {
					payload = append(payload, a.Data...)
				} else {
					payload = append(payload, make([]byte, len(a.Data))...)
				}
				if a.Direction.out() {
					outputs = append(outputs, outRegion{offset: offset, dst: a.Data})
				}
				arguments[i] = start + offset
			case Block:
				offset := alignMemory(uint64(len(payload)))
				payload = padPayload(payload, offset)
				data, inner, errE := a.Layout(start + offset)
				if errE != nil {
					errors.Details(errE)["arg"] = i
					return nil, [6]uint64{}, errE
				}
				if len(data) == 0 || inner >= uint64(len(data)) {
					return nil, [6]uint64{}, errors.WithDetails(
						ErrInvalidArgument,
						"arg", i,
						"size", len(data),
						"offset", inner,
					)
				}
				// Block contents are always copied in, they hold pointers the kernel follows.
				payload = append(payload, data...)
				if a.Direction.out() {
					outputs = append(outputs, outRegion{offset: offset, dst: data})
				}
				arguments[i] = start + offset + inner
			}
		}
		return payload, arguments, nil
	})
	if errE != nil {
		errors.Details(errE)["call"] = req.Call.Name
		return uint64(errorReturn), normalizeError(errE) //nolint:gosec
	}

	if Errno(res) != 0 {
		return res, nil
	}

	for _, out := range outputs {
		copy(out.dst, payload[out.offset:out.offset+uint64(len(out.dst))])
	}

	return res, nil
}

// Errno returns the error number encoded in a raw system call result, or 0 if the result is not an error.
func Errno(raw uint64) unix.Errno {
	if raw > maxErrno {
		return unix.Errno(-raw) //nolint:gosec
	}
	return 0
}

func padPayload(payload []byte, length uint64) []byte {
	for uint64(len(payload)) < length {
		payload = append(payload, 0)
	}
	return payload
}

func absent(s Subject) bool {
	if s == nil {
		return true
	}
	p, ok := s.(*Process)
	return ok && p == nil
}

func normalizeError(errE errors.E) errors.E {
	var errno unix.Errno
	switch {
	case errors.As(errE, &errno) && errno != 0:
		return errE
	case errors.Is(errE, ErrProcessExited):
		return errors.Join(unix.ESRCH, errE)
	case errors.Is(errE, ErrInvalidArgument):
		return errors.Join(unix.EINVAL, errE)
	default:
		return errors.Join(unix.ENOTSUP, errE)
	}
}

// Maps a raw result to the (-1, errno) convention wrappers follow.
func result(call Call, raw uint64) (int, errors.E) {
	if errno := Errno(raw); errno != 0 {
		return errorReturn, errors.WithDetails(errno, "call", call.Name)
	}
	return int(raw), nil //nolint:gosec
}

// Same as result for calls made in this (host) process.
func localResult(call Call, r uintptr, errno unix.Errno) (uint64, errors.E) {
	if errno != 0 {
		return uint64(errorReturn), errors.WithDetails(errno, "call", call.Name) //nolint:gosec
	}
	return uint64(r), nil
}
