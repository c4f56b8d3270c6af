// Package psyscall allows you to attach to a running process and invoke system calls from inside the attached process.
//
// Arguments are described with Value, Ref and Block descriptors which Invoke marshals into the
// memory of the process, translating structures when the process runs under a different data
// model (a 32-bit process under a 64-bit kernel) than this process. Every Sys* wrapper falls back
// to invoking the same system call in this process when there is no process to target.
//
// It works on Linux and internally uses ptrace.
package psyscall

import (
	"runtime"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrProcessAlreadyAttached   = errors.Base("process already attached")
	ErrProcessNotAttached       = errors.Base("process not attached")
	ErrProcessNotRunning        = errors.Base("process not running")
	ErrProcessExited            = errors.Base("process exited")
	ErrOutOfMemory              = errors.Base("syscall payload is larger than available memory")
	ErrUnexpectedRead           = errors.Base("unexpected bytes read")
	ErrUnexpectedWrite          = errors.Base("unexpected bytes written")
	ErrUnexpectedWaitStatus     = errors.Base("unexpected wait status")
	ErrInvalidArgument          = errors.Base("invalid argument descriptor")
	ErrDataModelNotSupported    = errors.Base("data model not supported")
	ErrUnexpectedControlMessage = errors.Base("unexpected control message")
	ErrFdCountMismatch          = errors.Base("unexpected number of file descriptors")
)

const (
	// These errno values are not really meant for user space programs (so they are not defined
	// in unix package) but we need them as we operate on a lower level and handle them in doSyscall.
	_ERESTARTSYS           = unix.Errno(512) //nolint: revive,stylecheck
	_ERESTARTNOINTR        = unix.Errno(513) //nolint: revive,stylecheck
	_ERESTARTNOHAND        = unix.Errno(514) //nolint: revive,stylecheck
	_ERESTART_RESTARTBLOCK = unix.Errno(516) //nolint: revive,stylecheck
)

// Errors are returned as negative numbers from syscalls but we compare them as uint64.
const maxErrno = uint64(0xfffffffffffff000)

// Same for ILP32 processes, compared as uint32.
const maxErrno32 = uint32(0xfffff000)

const memoryAlignmentBytes = 8

// DefaultMemorySize is the default memory size of the allocated private working memory when attaching to the process.
const DefaultMemorySize = 4096

// We want to return -1 as uint64 so we need a variable to make Go happy.
var errorReturn = -1 //nolint:gochecknoglobals

func alignMemory(x uint64) uint64 {
	return ((x + (memoryAlignmentBytes - 1)) / memoryAlignmentBytes) * memoryAlignmentBytes
}

// Subject is a stopped process into which system calls can be injected.
//
// Callers have to serialize calls on the same Subject.
type Subject interface {
	// DataModel returns the data model the process runs under.
	DataModel() DataModel

	// Execute runs exactly one system call inside the process and returns its raw result.
	//
	// The byte slice returned from the args callback is copied into the process memory at
	// start before the call and the contents of that memory are copied back into the same
	// slice after the call. The callback also returns values for 6 argument registers.
	// Returned error reports only that the call could not be executed, a failed system call
	// is reported through the raw result (-errno, widened to 64 bits for ILP32 processes).
	Execute(call int, args func(start uint64) ([]byte, [6]uint64, errors.E)) (uint64, errors.E)
}

var _ Subject = (*Process)(nil)

// Process is a Subject backed by ptrace.
//
// After Attach, Process has to be used from the same goroutine which called Attach.
type Process struct {
	// Pid of the process to control (and attach to).
	Pid int
	// MemorySize of the allocated private working memory. Default is DefaultMemorySize.
	MemorySize uint64
	// LogWarnf is a function to call with any warning logging messages.
	LogWarnf      func(msg string, args ...any)
	memoryAddress uint64
	dataModel     DataModel
	exited        bool
}

// Attach attaches to the process, determines its data model and allocates private working memory in it.
//
// While the process is attached to, its regular execution is paused and only
// signal processing happens in the process.
func (p *Process) Attach() (errE errors.E) { //nolint:nonamedreturns
	if p.memoryAddress != 0 {
		return errors.WithDetails(ErrProcessAlreadyAttached, "pid", p.Pid)
	}

	errE = checkRunning(p.Pid)
	if errE != nil {
		return errE
	}

	runtime.LockOSThread()

	err := unix.PtraceSeize(p.Pid)
	if err != nil {
		runtime.UnlockOSThread()
		errE = errors.WithMessage(err, "ptrace seize")
		errors.Details(errE)["pid"] = p.Pid
		return errE
	}

	p.exited = false

	defer func() {
		if errE != nil && !p.exited {
			err = unix.PtraceDetach(p.Pid)
			runtime.UnlockOSThread()
			if err != nil {
				errE2 := errors.WithMessage(err, "ptrace detach")
				errors.Details(errE2)["pid"] = p.Pid
				errE = errors.Join(errE, errE2)
			}
		}
	}()

	err = unix.PtraceInterrupt(p.Pid)
	if err != nil {
		errE = errors.WithMessage(err, "ptrace interrupt")
		errors.Details(errE)["pid"] = p.Pid
		return errE
	}

	errE = p.waitTrap(unix.PTRACE_EVENT_STOP)
	if errE != nil {
		errors.Details(errE)["pid"] = p.Pid
		return errE
	}

	regs, errE := getProcessRegs(p.Pid)
	if errE != nil {
		errors.Details(errE)["pid"] = p.Pid
		return errE
	}

	p.dataModel, errE = detectDataModel(p.Pid, &regs)
	if errE != nil {
		errors.Details(errE)["pid"] = p.Pid
		return errE
	}

	address, errE := p.allocateMemory()
	if errE != nil {
		errors.Details(errE)["pid"] = p.Pid
		errors.Details(errE)["dataModel"] = p.dataModel.String()
		return errE
	}

	p.memoryAddress = address

	return nil
}

// Detach detaches from the process and frees the allocated private working memory in it.
func (p *Process) Detach() errors.E {
	if p.memoryAddress == 0 {
		return errors.WithDetails(ErrProcessNotAttached, "pid", p.Pid)
	}

	errE1 := p.freeMemory(p.memoryAddress)
	if errE1 != nil {
		errors.Details(errE1)["pid"] = p.Pid
		// We do not return the error here, we try to detach the process as well.
	}
	// The OS thread is unlocked below even if detaching fails, so this handle
	// is done with the working memory either way.
	p.memoryAddress = 0

	if p.exited {
		// The process exited while freeing memory, there is nothing to detach from anymore.
		return errE1
	}

	err := unix.PtraceDetach(p.Pid)
	runtime.UnlockOSThread()
	if err != nil {
		errE2 := errors.WithMessage(err, "ptrace detach")
		errors.Details(errE2)["pid"] = p.Pid
		// errE1 can be nil here and then this is the same as return errE2.
		return errors.Join(errE1, errE2)
	}

	return errE1
}

// DataModel returns the data model of the (attached) process.
//
// It is determined once during Attach.
func (p *Process) DataModel() DataModel {
	return p.dataModel
}

// Execute implements Subject.
//
// It uses the allocated private working memory so the code of the process is not changed.
func (p *Process) Execute(call int, args func(start uint64) ([]byte, [6]uint64, errors.E)) (uint64, errors.E) {
	res, errE := p.syscall(true, call, args)
	if errE != nil {
		return uint64(errorReturn), errE //nolint:gosec
	}
	return widenResult(p.dataModel, res), nil
}

func (p *Process) memorySize() uint64 {
	if p.MemorySize == 0 {
		return DefaultMemorySize
	}
	return p.MemorySize
}

// Allocate private segment of memory in the process. We use it as
// the working memory for syscalls. Memory is configured to be
// executable as well and we store opcodes to run into it as well.
func (p *Process) allocateMemory() (uint64, errors.E) {
	call := unix.SYS_MMAP
	if p.dataModel == ILP32 {
		// Offset of mmap2 is in pages, we pass 0 anyway.
		call = sys32Mmap2
	}
	fd := -1
	addr, err := p.doSyscall(false, call, func(_ uint64) ([]byte, [6]uint64, errors.E) {
		return nil, [6]uint64{
			0,              // addr.
			p.memorySize(), // length.
			unix.PROT_EXEC | unix.PROT_READ | unix.PROT_WRITE, // prot.
			unix.MAP_PRIVATE | unix.MAP_ANONYMOUS,             // flags.
			narrowArgument(p.dataModel, uint64(fd)),           //nolint:gosec // fd.
			0,                                                 // offset.
		}, nil
	})
	if err == nil && addr == 0 {
		err = errors.New("invalid result")
	}
	return addr, errors.WithMessage(err, "allocate memory")
}

// Free private segment of memory in the process.
func (p *Process) freeMemory(address uint64) errors.E {
	call := unix.SYS_MUNMAP
	if p.dataModel == ILP32 {
		call = sys32Munmap
	}
	_, err := p.doSyscall(false, call, func(_ uint64) ([]byte, [6]uint64, errors.E) {
		return nil, [6]uint64{
			address,        // addr.
			p.memorySize(), // length.
		}, nil
	})
	return errors.WithMessage(err, "free memory")
}

// Low-level call of a system call in the process. It returns the raw result register.
// In almost all cases you want to use it with useMemory set to true to
// not change code of the process to run a syscall. (We use useMemory set
// to false only to obtain and free such memory.)
func (p *Process) syscall(useMemory bool, call int, args func(start uint64) ([]byte, [6]uint64, errors.E)) (result uint64, err errors.E) { //nolint:nonamedreturns
	if p.exited || (useMemory && p.memoryAddress == 0) {
		return uint64(errorReturn), errors.WithDetails(ErrProcessNotAttached, "pid", p.Pid) //nolint:gosec
	}

	instructions := syscallInstructions(p.dataModel)
	if instructions == nil {
		return uint64(errorReturn), errors.WithDetails( //nolint:gosec
			ErrDataModelNotSupported,
			"call", call,
			"dataModel", p.dataModel.String(),
		)
	}

	var originalRegs processRegs
	originalRegs, err = getProcessRegs(p.Pid)
	if err != nil {
		errors.Details(err)["call"] = call
		return uint64(errorReturn), err //nolint:gosec
	}

	var start uint64
	var payload []byte
	var payloadLength uint64
	var arguments [6]uint64
	var originalInstructions []byte
	if useMemory {
		start = p.memoryAddress
		payload, arguments, err = args(p.memoryAddress)
		if err != nil {
			errors.Details(err)["call"] = call
			return uint64(errorReturn), err //nolint:gosec
		}
		payloadLength = alignMemory(uint64(len(payload)))
		availableMemory := p.memorySize() - uint64(len(instructions))
		if payloadLength > availableMemory {
			return uint64(errorReturn), errors.WithDetails( //nolint:gosec
				ErrOutOfMemory,
				"call", call,
				"payload", payloadLength,
				"available", availableMemory,
			)
		}
	} else {
		start = alignMemory(getProcessPC(&originalRegs))
		payload, arguments, err = args(start)
		if err != nil {
			errors.Details(err)["call"] = call
			return uint64(errorReturn), err //nolint:gosec
		}

		payloadLength = alignMemory(uint64(len(payload)))
		// TODO: What if payload is so large that it hits the end of the data section?
		originalInstructions, err = p.readData(uintptr(start), int(payloadLength)+len(instructions)) //nolint:gosec
		if err != nil {
			errors.Details(err)["call"] = call
			return uint64(errorReturn), err //nolint:gosec
		}
	}

	defer func() {
		if p.exited {
			return
		}
		err2 := setProcessRegs(p.Pid, &originalRegs)
		if err2 != nil {
			errors.Details(err2)["call"] = call
		}
		err = errors.Join(err, err2)
	}()

	if !useMemory {
		defer func() {
			if p.exited {
				return
			}
			err2 := p.writeData(uintptr(start), originalInstructions)
			if err2 != nil {
				errors.Details(err2)["call"] = call
			}
			err = errors.Join(err, err2)
		}()
	}

	err = p.writeData(uintptr(start), payload)
	if err != nil {
		errors.Details(err)["call"] = call
		return uint64(errorReturn), err //nolint:gosec
	}

	instructionPointer := start + payloadLength
	err = p.writeData(uintptr(instructionPointer), instructions)
	if err != nil {
		errors.Details(err)["call"] = call
		return uint64(errorReturn), err //nolint:gosec
	}

	newRegs := newSyscallRegs(p.dataModel, &originalRegs, instructionPointer, call, arguments)

	err = setProcessRegs(p.Pid, &newRegs)
	if err != nil {
		errors.Details(err)["call"] = call
		return uint64(errorReturn), err //nolint:gosec
	}

	err = p.runToBreakpoint()
	if err != nil {
		errors.Details(err)["call"] = call
		return uint64(errorReturn), err //nolint:gosec
	}

	var resultRegs processRegs
	resultRegs, err = getProcessRegs(p.Pid)
	if err != nil {
		errors.Details(err)["call"] = call
		return uint64(errorReturn), err //nolint:gosec
	}

	newPayload, err := p.readData(uintptr(start), len(payload))
	if err != nil {
		errors.Details(err)["call"] = call
		return uint64(errorReturn), err //nolint:gosec
	}
	copy(payload, newPayload)

	return getSyscallResultReg(&resultRegs), nil
}

// Syscalls we make to manage the process can be interrupted by signal handling
// and might abort. So we wrap them with a loop which retries them automatically
// if interrupted. We do not handle EAGAIN here on purpose, to not block in a loop.
func (p *Process) doSyscall(useMemory bool, call int, args func(start uint64) ([]byte, [6]uint64, errors.E)) (uint64, errors.E) {
	for {
		result, err := p.syscall(useMemory, call, args)
		if err != nil {
			return result, err
		}

		result = widenResult(p.dataModel, result)
		if result > maxErrno {
			errno := unix.Errno(-result) //nolint:gosec
			switch errno {               //nolint:exhaustive
			case _ERESTARTSYS, _ERESTARTNOINTR, _ERESTARTNOHAND, _ERESTART_RESTARTBLOCK, unix.EINTR:
				continue
			}
			return uint64(errorReturn), errors.WithDetails(errno, "call", call) //nolint:gosec
		}

		return result, nil
	}
}

// Read from the memory of the process.
func (p *Process) readData(address uintptr, length int) ([]byte, errors.E) {
	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}
	n, err := unix.PtracePeekData(p.Pid, address, data)
	if err != nil {
		return nil, errors.WithMessage(err, "ptrace peekdata")
	}
	if n != length {
		return nil, errors.WithDetails(
			ErrUnexpectedRead,
			"expected", length,
			"read", n,
		)
	}
	return data, nil
}

// Write into the memory of the process.
func (p *Process) writeData(address uintptr, data []byte) errors.E {
	if len(data) == 0 {
		return nil
	}
	n, err := unix.PtracePokeData(p.Pid, address, data)
	if err != nil {
		return errors.WithMessage(err, "ptrace pokedata")
	}
	if n != len(data) {
		return errors.WithDetails(
			ErrUnexpectedWrite,
			"expected", len(data),
			"written", n,
		)
	}
	return nil
}

// When we do a syscall we set opcodes to call a syscall and we put afterwards
// a breakpoint (see syscallInstruction). This function executes those opcodes
// and returns once we hit the breakpoint. During execution signal handlers
// of the process might run as well before the breakpoint is reached (this is
// why we use ptrace cont with a breakpoint and not ptrace single step).
func (p *Process) runToBreakpoint() errors.E {
	err := unix.PtraceCont(p.Pid, 0)
	if err != nil {
		return errors.WithMessage(err, "ptrace cont")
	}

	// 0 trap cause means a breakpoint or single stepping.
	return p.waitTrap(0)
}

func (p *Process) waitTrap(cause int) errors.E {
	for {
		var status unix.WaitStatus
		var err error
		for {
			_, err = unix.Wait4(p.Pid, &status, 0, nil)
			if err == nil || !errors.Is(err, unix.EINTR) {
				break
			}
		}
		if err != nil {
			return errors.WithMessage(err, "wait4")
		}
		// A breakpoint or other trap cause we expected has been reached.
		if status.TrapCause() == cause {
			return nil
		} else if status.TrapCause() != -1 {
			if p.LogWarnf != nil {
				p.LogWarnf("unexpected trap cause for PID %d: %d, expected %d", p.Pid, status.TrapCause(), cause)
			}
			return nil
		} else if status.Stopped() {
			// If the process stopped it might have stopped for some other signal. While a process is
			// ptraced any signal it receives stops the process for us to decide what to do about the
			// signal. In our case we just pass the signal back to the process using ptrace cont and
			// let its signal handler do its work.
			err := unix.PtraceCont(p.Pid, int(status.StopSignal()))
			if err != nil {
				errE := errors.WithMessage(err, "ptrace cont")
				errors.Details(errE)["stopSignal"] = int(status.StopSignal())
				return errE
			}
			continue
		} else if status.Exited() || status.Signaled() {
			p.markExited()
			return errors.WithDetails(
				ErrProcessExited,
				"exitStatus", status.ExitStatus(),
				"signal", status.Signal(),
			)
		}
		return errors.WithDetails(
			ErrUnexpectedWaitStatus,
			"exitStatus", status.ExitStatus(),
			"signal", status.Signal(),
			"stopSignal", status.StopSignal(),
			"trapCause", status.TrapCause(),
			"expectedTrapCause", cause,
		)
	}
}

// The kernel drops ptrace state of a process which is gone, so
// there is nothing left to restore, free or detach from.
func (p *Process) markExited() {
	if p.exited {
		return
	}
	p.exited = true
	p.memoryAddress = 0
	runtime.UnlockOSThread()
	if p.LogWarnf != nil {
		p.LogWarnf("process with PID %d exited while attached", p.Pid)
	}
}
