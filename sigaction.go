package psyscall

import (
	"runtime"
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

const (
	// SigDfl is the default signal disposition.
	SigDfl = 0
	// SigIgn is the disposition which ignores the signal.
	SigIgn = 1

	// SignalSetSize is the size of the kernel signal set, passed as the sigsetsize argument of rt_sigaction.
	SignalSetSize = 8
)

const (
	sigActionSize   = 32
	sigAction32Size = 20
)

// The kernel reads exactly sigActionSize bytes from native processes.
var _ [sigActionSize]byte = [unsafe.Sizeof(SigAction{})]byte{} //nolint:exhaustruct

// SigAction is struct sigaction as expected by the rt_sigaction system call, in the native layout.
//
// Note that it does not have the same layout as struct sigaction of C libraries.
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

// SigAction32 is struct sigaction as expected by the rt_sigaction system call of ILP32 processes.
type SigAction32 struct {
	Handler  uint32
	Flags    uint32
	Restorer uint32
	Mask     [2]uint32
}

// To32 converts the native layout into the ILP32 layout.
//
// Handler, Flags and Restorer are truncated to 32 bits.
//
//nolint:gosec,mnd
func (a *SigAction) To32() SigAction32 {
	return SigAction32{
		Handler:  uint32(a.Handler),
		Flags:    uint32(a.Flags),
		Restorer: uint32(a.Restorer),
		Mask:     [2]uint32{uint32(a.Mask), uint32(a.Mask >> 32)},
	}
}

// ToNative converts the ILP32 layout into the native layout.
func (a *SigAction32) ToNative() SigAction {
	return SigAction{
		Handler:  uint64(a.Handler),
		Flags:    uint64(a.Flags),
		Restorer: uint64(a.Restorer),
		Mask:     uint64(a.Mask[0]) | uint64(a.Mask[1])<<32, //nolint:mnd
	}
}

// Marshal returns the bytes of a as laid out in the memory of an ILP32 process.
func (a *SigAction32) Marshal() [sigAction32Size]byte {
	var b [sigAction32Size]byte
	nativeEndian.PutUint32(b[0:4], a.Handler)
	nativeEndian.PutUint32(b[4:8], a.Flags)
	nativeEndian.PutUint32(b[8:12], a.Restorer)
	nativeEndian.PutUint32(b[12:16], a.Mask[0])
	nativeEndian.PutUint32(b[16:20], a.Mask[1])
	return b
}

// UnmarshalSigAction32 is the inverse of SigAction32.Marshal.
func UnmarshalSigAction32(b [sigAction32Size]byte) SigAction32 {
	return SigAction32{
		Handler:  nativeEndian.Uint32(b[0:4]),
		Flags:    nativeEndian.Uint32(b[4:8]),
		Restorer: nativeEndian.Uint32(b[8:12]),
		Mask:     [2]uint32{nativeEndian.Uint32(b[12:16]), nativeEndian.Uint32(b[16:20])},
	}
}

// The memory of a itself, as the kernel expects it from native processes.
func (a *SigAction) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a)), sigActionSize)
}

var callRtSigaction = Call{Name: "rt_sigaction", Native: unix.SYS_RT_SIGACTION, ILP32: sys32RtSigaction}

// SysSigaction invokes rt_sigaction syscall in the (attached) process.
//
// It installs act (if not nil) as the new disposition of signal sig and stores
// the previous disposition into oact (if not nil). Structures are translated to and from
// the data model of the process as needed. If s is nil, the disposition of this (host)
// process is changed instead, bypassing the Go runtime.
func SysSigaction(s Subject, sig int, act, oact *SigAction) (int, errors.E) {
	if absent(s) {
		return toInt(localSigaction(sig, act, oact))
	}

	model := s.DataModel()

	// Shadow buffers for ILP32 processes.
	var act32, oact32 [sigAction32Size]byte

	args := []Arg{
		Value(sig),           //nolint:gosec // signum.
		Null,                 // act.
		Null,                 // oldact.
		Value(SignalSetSize), // sigsetsize.
	}
	if act != nil {
		if model == ILP32 {
			a := act.To32()
			act32 = a.Marshal()
			args[1] = Ref{Data: act32[:], Direction: In}
		} else {
			args[1] = Ref{Data: act.bytes(), Direction: In}
		}
	}
	if oact != nil {
		if model == ILP32 {
			args[2] = Ref{Data: oact32[:], Direction: Out}
		} else {
			args[2] = Ref{Data: oact.bytes(), Direction: Out}
		}
	}

	res, errE := Invoke(s, Request{Call: callRtSigaction, Args: args})
	if errE != nil {
		return errorReturn, errors.WithMessage(errE, "sys sigaction")
	}
	n, errE := result(callRtSigaction, res)
	if errE != nil {
		return n, errors.WithMessage(errE, "sys sigaction")
	}

	if oact != nil && model == ILP32 {
		o := UnmarshalSigAction32(oact32)
		*oact = o.ToNative()
	}

	return n, nil
}

func localSigaction(sig int, act, oact *SigAction) (uint64, errors.E) {
	r, _, errno := unix.RawSyscall6(
		unix.SYS_RT_SIGACTION,
		uintptr(sig), //nolint:gosec
		uintptr(unsafe.Pointer(act)),
		uintptr(unsafe.Pointer(oact)),
		SignalSetSize,
		0,
		0,
	)
	runtime.KeepAlive(act)
	runtime.KeepAlive(oact)
	return localResult(callRtSigaction, r, errno)
}

func toInt(res uint64, errE errors.E) (int, errors.E) {
	if errE != nil {
		return errorReturn, errE
	}
	return int(res), nil //nolint:gosec
}
