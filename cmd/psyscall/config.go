package main

import (
	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/go/psyscall"
)

// config is the configuration of psyscall, read from an optional TOML file.
type config struct {
	// MemorySize of the private working memory allocated in the attached process.
	MemorySize uint64 `toml:"memory_size"`
	// LogLevel is one of logrus levels, e.g., "warning" or "debug".
	LogLevel string `toml:"log_level"`
}

func defaultConfig() *config {
	return &config{
		MemorySize: psyscall.DefaultMemorySize,
		LogLevel:   logrus.InfoLevel.String(),
	}
}

// loadConfig loads psyscall config from the config file at path. Values not
// present in the file keep their defaults.
func loadConfig(path string) (*config, errors.E) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		errE := errors.WithMessage(err, "decode config")
		errors.Details(errE)["path"] = path
		return c, errE
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return c, errors.WithDetails(errUnknownConfigKey, "path", path, "key", undecoded[0].String())
	}
	if c.MemorySize == 0 {
		return c, errors.WithDetails(errInvalidMemorySize, "path", path)
	}
	return c, nil
}

var (
	errUnknownConfigKey  = errors.Base("unknown config key")
	errInvalidMemorySize = errors.Base("memory size must be positive")
)

// logLevel returns the level from the flag if it is set, otherwise the one from config.
func (c *config) logLevel(flagValue string) (logrus.Level, errors.E) {
	value := c.LogLevel
	if flagValue != "" {
		value = flagValue
	}
	level, err := logrus.ParseLevel(value)
	if err != nil {
		return logrus.InfoLevel, errors.WithMessage(err, "log level")
	}
	return level, nil
}

// newProcess returns a psyscall.Process for pid configured by c.
func (c *config) newProcess(pid int) *psyscall.Process {
	return &psyscall.Process{
		Pid:        pid,
		MemorySize: c.MemorySize,
		LogWarnf:   logrus.WithField("pid", pid).Warnf,
	}
}
