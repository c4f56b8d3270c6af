package psyscall

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

// Direction controls whether a buffer passed by reference is copied into
// the process before the call, out of it after the call, or both.
type Direction int

const (
	// In buffers are copied into the process before the call.
	In Direction = iota
	// Out buffers start zeroed in the process and are copied back after the call.
	Out
	// InOut buffers are copied both ways.
	InOut
)

func (d Direction) in() bool {
	return d == In || d == InOut
}

func (d Direction) out() bool {
	return d == Out || d == InOut
}

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "inout"
	default:
		return "invalid"
	}
}

// Arg describes how one argument of a system call is passed. It is one of Value, Ref or Block.
type Arg interface {
	isArg()
}

// Value is an argument passed directly in a register.
type Value uint64

// Null is a null pointer, used for absent optional arguments.
const Null = Value(0)

// Ref is an argument passed by reference: Data is placed into the memory of the
// process and its address is passed in a register.
//
// The length of Data has to be the exact size of the structure in the data model
// of the process.
type Ref struct {
	Data      []byte
	Direction Direction
}

// Block is an argument passed by reference whose contents point into itself
// (like a msghdr with its iovec and control buffers).
//
// Layout is called with the address at which the block is placed in the memory
// of the process and returns block contents and the offset within them which
// is passed in a register. For Out and InOut directions, block contents are
// updated in place after the call.
type Block struct {
	Layout    func(start uint64) ([]byte, uint64, errors.E)
	Direction Direction
}

func (Value) isArg() {}
func (Ref) isArg()   {}
func (Block) isArg() {}

// maxArgs is the number of argument registers of a system call.
const maxArgs = 6

func validateArgs(args []Arg) errors.E {
	if len(args) > maxArgs {
		return errors.WithDetails(ErrInvalidArgument, "args", len(args), "max", maxArgs)
	}
	for i, arg := range args {
		switch a := arg.(type) {
		case Value:
		case Ref:
			if len(a.Data) == 0 {
				return errors.WithDetails(ErrInvalidArgument, "arg", i, "reason", "empty reference")
			}
			if a.Direction < In || a.Direction > InOut {
				return errors.WithDetails(ErrInvalidArgument, "arg", i, "direction", int(a.Direction))
			}
		case Block:
			if a.Layout == nil {
				return errors.WithDetails(ErrInvalidArgument, "arg", i, "reason", "missing layout")
			}
			if a.Direction < In || a.Direction > InOut {
				return errors.WithDetails(ErrInvalidArgument, "arg", i, "direction", int(a.Direction))
			}
		default:
			return errors.WithDetails(ErrInvalidArgument, "arg", i, "type", fmt.Sprintf("%T", arg))
		}
	}
	return nil
}
