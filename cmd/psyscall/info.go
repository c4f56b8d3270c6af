package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"gitlab.com/tozd/go/psyscall"
)

// info implements subcommands.Command for the "info" command.
type info struct {
	pid int
}

// Name implements subcommands.Command.Name.
func (*info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*info) Synopsis() string {
	return "Attach to a process and print what it reports about itself."
}

// Usage implements subcommands.Command.Usage.
func (*info) Usage() string {
	return `info -pid <pid> - Attach to a process and print its data model and getpid result.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *info) SetFlags(f *flag.FlagSet) {
	f.IntVar(&i.pid, "pid", 0, "PID of the process to attach to.")
}

// Execute implements subcommands.Command.Execute.
func (i *info) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if i.pid <= 0 || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config) //nolint:forcetypeassert

	model, errE := psyscall.ExecutableDataModel(i.pid)
	if errE != nil {
		logrus.WithError(errE).WithField("pid", i.pid).Error("executable data model")
		return subcommands.ExitFailure
	}
	fmt.Printf("executable: %s\n", model)

	p := conf.newProcess(i.pid)
	return withProcess(p, func() subcommands.ExitStatus {
		fmt.Printf("data model: %s\n", p.DataModel())
		pid, errE := psyscall.SysGetpid(p)
		if errE != nil {
			logrus.WithError(errE).WithField("pid", i.pid).Error("sys getpid")
			return subcommands.ExitFailure
		}
		fmt.Printf("getpid: %d\n", pid)
		return subcommands.ExitSuccess
	})
}

// withProcess attaches to p, calls fn and detaches from p.
func withProcess(p *psyscall.Process, fn func() subcommands.ExitStatus) subcommands.ExitStatus {
	errE := p.Attach()
	if errE != nil {
		logrus.WithError(errE).WithField("pid", p.Pid).Error("attach")
		return subcommands.ExitFailure
	}
	status := fn()
	errE = p.Detach()
	if errE != nil {
		logrus.WithError(errE).WithField("pid", p.Pid).Error("detach")
		return subcommands.ExitFailure
	}
	return status
}
