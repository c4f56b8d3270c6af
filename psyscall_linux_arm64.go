//go:build linux && arm64
// +build linux,arm64

package psyscall

import (
	"encoding/binary"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var nativeEndian = binary.LittleEndian

// Call a syscall (svc #0) and a breakpoint (brk #0). We do not use ptrace single step
// but ptrace cont until a breakpoint so that it is easier to allow signal handlers in
// process to run.
var syscallInstruction = [...]byte{0x01, 0x00, 0x00, 0xD4, 0x00, 0x00, 0x20, 0xD4}

// Syscall numbers of the ARM EABI table. Injecting into AArch32 tasks is not
// supported (their register set differs), they are listed so that calls resolve
// consistently and fail only at execution.
const (
	sys32Close       = 6
	sys32Getpid      = 20
	sys32Munmap      = 91
	sys32RtSigaction = 174
	sys32Mmap2       = 192
	sys32Socket      = 281
	sys32Bind        = 282
	sys32Connect     = 283
	sys32Listen      = 284
	sys32Sendmsg     = 296
	sys32Recvmsg     = 297
	sys32Dup3        = 358
	sys32Accept4     = 366
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
		return nil
	}
	return syscallInstruction[:]
}

func newSyscallRegs(_ DataModel, originalRegs *processRegs, ip uint64, call int, args [6]uint64) processRegs {
	newRegs := *originalRegs
	(*unix.PtraceRegs)(&newRegs).SetPC(ip)
	newRegs.Regs[0] = args[0]
	newRegs.Regs[1] = args[1]
	newRegs.Regs[2] = args[2]
	newRegs.Regs[3] = args[3]
	newRegs.Regs[4] = args[4]
	newRegs.Regs[5] = args[5]
	newRegs.Regs[8] = uint64(call) //nolint:gosec
	return newRegs
}

func getSyscallResultReg(regs *processRegs) uint64 {
	return regs.Regs[0]
}

func getProcessPC(regs *processRegs) uint64 {
	return (*unix.PtraceRegs)(regs).PC()
}

// The arm64 register set of an AArch32 task is not reported in the 64-bit layout,
// so we look at the executable instead.
func detectDataModel(pid int, _ *processRegs) (DataModel, errors.E) {
	return ExecutableDataModel(pid)
}
