package psyscall

import (
	"slices"

	"github.com/shirou/gopsutil/v4/process"
	"gitlab.com/tozd/go/errors"
)

// Alive returns true if the process with pid exists and is not a zombie.
func Alive(pid int) (bool, errors.E) {
	exists, err := process.PidExists(int32(pid)) //nolint:gosec
	if err != nil {
		errE := errors.WithMessage(err, "pid exists")
		errors.Details(errE)["pid"] = pid
		return false, errE
	}
	if !exists {
		return false, nil
	}
	proc, err := process.NewProcess(int32(pid)) //nolint:gosec
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		errE := errors.WithMessage(err, "new process")
		errors.Details(errE)["pid"] = pid
		return false, errE
	}
	status, err := proc.Status()
	if err != nil {
		errE := errors.WithMessage(err, "process status")
		errors.Details(errE)["pid"] = pid
		return false, errE
	}
	return !slices.Contains(status, process.Zombie), nil
}

func checkRunning(pid int) errors.E {
	alive, errE := Alive(pid)
	if errE != nil {
		return errE
	}
	if !alive {
		return errors.WithDetails(ErrProcessNotRunning, "pid", pid)
	}
	return nil
}
