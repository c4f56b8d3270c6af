// Command psyscall invokes system calls inside running processes.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "", "path to a TOML config file.")
	logLevel   = flag.String("log-level", "", "log level (panic, fatal, error, warning, info, debug, trace).")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(info), "")
	subcommands.Register(new(sigaction), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	logrus.SetOutput(os.Stderr)

	conf, errE := loadConfig(*configPath)
	if errE != nil {
		logrus.WithError(errE).Fatal("load config")
	}
	level, errE := conf.logLevel(*logLevel)
	if errE != nil {
		logrus.WithError(errE).Fatal("parse log level")
	}
	logrus.SetLevel(level)
	logrus.WithField("config", *conf).Debug("configuration loaded")

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
