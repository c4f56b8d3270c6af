package psyscall

import (
	"fmt"

	"github.com/Binject/debug/elf"
	"gitlab.com/tozd/go/errors"
)

// DataModel is the pointer and integer width convention a process runs under.
type DataModel int

const (
	// Native is the data model of this (host) process, LP64.
	Native DataModel = iota
	// ILP32 is the data model of 32-bit processes running under a 64-bit kernel.
	ILP32
)

func (m DataModel) String() string {
	switch m {
	case Native:
		return "native"
	case ILP32:
		return "ilp32"
	default:
		return fmt.Sprintf("DataModel(%d)", int(m))
	}
}

// ExecutableDataModel returns the data model of the executable the process with pid is running.
//
// It reads ELF header of /proc/<pid>/exe so it does not require the process to be attached to.
func ExecutableDataModel(pid int) (DataModel, errors.E) {
	path := fmt.Sprintf("/proc/%d/exe", pid)
	f, err := elf.Open(path)
	if err != nil {
		errE := errors.WithMessage(err, "elf open")
		errors.Details(errE)["pid"] = pid
		return Native, errE
	}
	defer f.Close()

	switch f.Class {
	case elf.ELFCLASS64:
		return Native, nil
	case elf.ELFCLASS32:
		return ILP32, nil
	default:
		return Native, errors.WithDetails(
			ErrDataModelNotSupported,
			"pid", pid,
			"class", f.Class.String(),
		)
	}
}

// Registers of ILP32 processes hold 32-bit results. Errno values are
// sign-extended so that they compare as errors, everything else (addresses
// above 2 GB included) is zero-extended.
func widenResult(model DataModel, reg uint64) uint64 {
	if model != ILP32 {
		return reg
	}
	r := uint32(reg) //nolint:gosec
	if r > maxErrno32 {
		return uint64(int64(int32(r))) //nolint:gosec
	}
	return uint64(r)
}

// Only the lower half of argument registers is seen by ILP32 processes.
func narrowArgument(model DataModel, v uint64) uint64 {
	if model != ILP32 {
		return v
	}
	return uint64(uint32(v)) //nolint:gosec
}
