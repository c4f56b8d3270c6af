package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/go/psyscall"
)

var errUnknownSignal = errors.Base("unknown signal")

// sigaction implements subcommands.Command for the "sigaction" command.
type sigaction struct {
	pid         int
	signal      string
	ignore      bool
	defaultDisp bool
}

// Name implements subcommands.Command.Name.
func (*sigaction) Name() string {
	return "sigaction"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*sigaction) Synopsis() string {
	return "Print and change signal disposition of a process."
}

// Usage implements subcommands.Command.Usage.
func (*sigaction) Usage() string {
	return `sigaction -pid <pid> -signal <signal> [-ignore|-default] - Print the disposition of a signal
in a process and optionally make the process ignore the signal or restore its default disposition.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *sigaction) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.pid, "pid", 0, "PID of the process to attach to.")
	f.StringVar(&s.signal, "signal", "", "signal name (e.g., SIGINT or INT) or number.")
	f.BoolVar(&s.ignore, "ignore", false, "make the process ignore the signal.")
	f.BoolVar(&s.defaultDisp, "default", false, "restore the default disposition of the signal.")
}

// Execute implements subcommands.Command.Execute.
func (s *sigaction) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if s.pid <= 0 || s.signal == "" || (s.ignore && s.defaultDisp) || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config) //nolint:forcetypeassert

	sig, errE := parseSignal(s.signal)
	if errE != nil {
		logrus.WithError(errE).Error("parse signal")
		return subcommands.ExitUsageError
	}

	var act *psyscall.SigAction
	switch {
	case s.ignore:
		act = &psyscall.SigAction{Handler: psyscall.SigIgn} //nolint:exhaustruct
	case s.defaultDisp:
		act = &psyscall.SigAction{Handler: psyscall.SigDfl} //nolint:exhaustruct
	}

	p := conf.newProcess(s.pid)
	return withProcess(p, func() subcommands.ExitStatus {
		var oact psyscall.SigAction
		_, errE := psyscall.SysSigaction(p, sig, act, &oact)
		if errE != nil {
			logrus.WithError(errE).WithFields(logrus.Fields{"pid": s.pid, "signal": sig}).Error("sys sigaction")
			return subcommands.ExitFailure
		}
		fmt.Printf("%s: %s\n", unix.SignalName(unix.Signal(sig)), formatSigAction(&oact))
		if act != nil {
			logrus.WithFields(logrus.Fields{"pid": s.pid, "signal": sig}).Infof("installed %s", formatSigAction(act))
		}
		return subcommands.ExitSuccess
	})
}

// parseSignal accepts a signal number or its name, with or without the SIG prefix.
func parseSignal(value string) (int, errors.E) {
	if n, err := strconv.Atoi(value); err == nil {
		if n <= 0 || unix.SignalName(unix.Signal(n)) == "" {
			return 0, errors.WithDetails(errUnknownSignal, "signal", value)
		}
		return n, nil
	}
	name := strings.ToUpper(value)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, errors.WithDetails(errUnknownSignal, "signal", value)
	}
	return int(sig), nil
}

func formatSigAction(a *psyscall.SigAction) string {
	var handler string
	switch a.Handler {
	case psyscall.SigDfl:
		handler = "default"
	case psyscall.SigIgn:
		handler = "ignore"
	default:
		handler = fmt.Sprintf("handler %#x", a.Handler)
	}
	return fmt.Sprintf("%s flags=%#x mask=%#x", handler, a.Flags, a.Mask)
}
