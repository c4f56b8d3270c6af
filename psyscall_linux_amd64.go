//go:build linux && amd64
// +build linux,amd64

package psyscall

import (
	"encoding/binary"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var nativeEndian = binary.LittleEndian

// Call a syscall and a breakpoint. We do not use ptrace single step but ptrace cont
// until a breakpoint so that it is easier to allow signal handlers in process to run.
var syscallInstruction = [...]byte{0x0F, 0x05, 0xCC}

// 32-bit tasks enter the kernel through int 0x80, followed by the same breakpoint.
var syscallInstruction32 = [...]byte{0xCD, 0x80, 0xCC}

// Code segment selector of 32-bit tasks (__USER32_CS).
const user32CS = 0x23

// Syscall numbers of the i386 table, used for ILP32 processes.
const (
	sys32Close       = 6
	sys32Getpid      = 20
	sys32Munmap      = 91
	sys32RtSigaction = 174
	sys32Mmap2       = 192
	sys32Dup3        = 330
	sys32Socket      = 359
	sys32Bind        = 361
	sys32Connect     = 362
	sys32Listen      = 363
	sys32Accept4     = 364
	sys32Sendmsg     = 370
	sys32Recvmsg     = 372
)

type processRegs unix.PtraceRegs

func getProcessRegs(pid int) (processRegs, errors.E) {
	var regs unix.PtraceRegs
	err := errors.WithStack(unix.PtraceGetRegs(pid, &regs))
	if err != nil {
		return processRegs{}, errors.Errorf("ptrace getregs: %w", err)
	}
	return processRegs(regs), nil
}

func setProcessRegs(pid int, regs *processRegs) errors.E {
	err := errors.WithStack(unix.PtraceSetRegs(pid, (*unix.PtraceRegs)(regs)))
	if err != nil {
		return errors.Errorf("ptrace setregs: %w", err)
	}
	return nil
}

func syscallInstructions(model DataModel) []byte {
	if model == ILP32 {
		return syscallInstruction32[:]
	}
	return syscallInstruction[:]
}

func newSyscallRegs(model DataModel, originalRegs *processRegs, ip uint64, call int, args [6]uint64) processRegs {
	newRegs := *originalRegs
	(*unix.PtraceRegs)(&newRegs).SetPC(ip)
	newRegs.Rax = uint64(call) //nolint:gosec
	if model == ILP32 {
		newRegs.Rbx = args[0]
		newRegs.Rcx = args[1]
		newRegs.Rdx = args[2]
		newRegs.Rsi = args[3]
		newRegs.Rdi = args[4]
		newRegs.Rbp = args[5]
		return newRegs
	}
	newRegs.Rdi = args[0]
	newRegs.Rsi = args[1]
	newRegs.Rdx = args[2]
	newRegs.R10 = args[3]
	newRegs.R8 = args[4]
	newRegs.R9 = args[5]
	return newRegs
}

func getSyscallResultReg(regs *processRegs) uint64 {
	return regs.Rax
}

func getProcessPC(regs *processRegs) uint64 {
	return (*unix.PtraceRegs)(regs).PC()
}

// On amd64 registers of 32-bit tasks are still reported in the 64-bit layout,
// so the code segment tells us which mode the task runs in.
func detectDataModel(_ int, regs *processRegs) (DataModel, errors.E) {
	if regs.Cs == user32CS {
		return ILP32, nil
	}
	return Native, nil
}
