// Copyright (c) 2016 The Decred developers.

// Package mlog provides the leveled, rotated loggers every subsystem of
// coreminer writes through: one backend, one subsystem logger each for
// the coordinator, the worker, the stratum client, and the provider
// layer. The pattern (btclog backend over a rotator-backed io.Writer,
// dynamically-created per-subsystem loggers keyed by a short tag) mirrors
// the decred/EXCCoin family's conventional log.go.
package mlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Logger is the leveled logging interface every package in coreminer
// depends on; it is satisfied directly by btclog.Logger, and by
// Disabled() for callers that want diagnostics compiled out.
type Logger interface {
	Tracef(format string, params ...interface{})
	Debugf(format string, params ...interface{})
	Infof(format string, params ...interface{})
	Warnf(format string, params ...interface{})
	Errorf(format string, params ...interface{})
	Criticalf(format string, params ...interface{})
}

// logWriter fans log output out to stdout and, once initialized, the
// rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if rotatorPipe != nil {
		rotatorPipe.Write(p)
	}
	return len(p), nil
}

var (
	backendLog  = btclog.NewBackend(logWriter{})
	logRotator  *rotator.Rotator
	rotatorPipe *io.PipeWriter

	// CoordLog, WorkerLog, StratumLog, ProviderLog are the package-level
	// loggers every subsystem of coreminer reaches for. They start at
	// btclog's default info level until SetLogLevel/SetLogLevels changes it.
	CoordLog    = backendLog.Logger("CORD")
	WorkerLog   = backendLog.Logger("WORK")
	StratumLog  = backendLog.Logger("STRM")
	ProviderLog = backendLog.Logger("PROV")
)

// subsystemLoggers maps each subsystem tag to its logger, for SetLogLevel
// and SetLogLevels.
var subsystemLoggers = map[string]btclog.Logger{
	"CORD": CoordLog,
	"WORK": WorkerLog,
	"STRM": StratumLog,
	"PROV": ProviderLog,
}

// InitLogRotator creates the rotating log file at logPath, truncating an
// old one beyond the retention count. It must run before any logger is
// used if on-disk logs are desired; without it, logging just goes to
// stdout.
func InitLogRotator(logPath string) error {
	logDir, _ := filepath.Split(logPath)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return fmt.Errorf("mlog: failed to create log directory: %w", err)
		}
	}
	pr, pw := io.Pipe()
	r, err := rotator.New(pr, logPath, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("mlog: failed to create file rotator: %w", err)
	}
	logRotator = r
	rotatorPipe = pw
	go r.Run()
	return nil
}

// SetLogLevel sets the level of one subsystem by tag; unknown tags are
// ignored.
func SetLogLevel(subsystemID, levelStr string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(levelStr)
	logger.SetLevel(level)
}

// SetLogLevels sets every subsystem logger to levelStr.
func SetLogLevels(levelStr string) {
	for tag := range subsystemLoggers {
		SetLogLevel(tag, levelStr)
	}
}

// Close flushes and closes the rotator, if one was initialized.
func Close() error {
	if logRotator == nil {
		return nil
	}
	if rotatorPipe != nil {
		rotatorPipe.Close()
	}
	return logRotator.Close()
}

var _ io.Writer = logWriter{}

// disabled is a Logger that discards everything, used where a caller
// does not want to wire up the package-level loggers (mostly tests).
type disabled struct{}

func (disabled) Tracef(string, ...interface{})    {}
func (disabled) Debugf(string, ...interface{})    {}
func (disabled) Infof(string, ...interface{})     {}
func (disabled) Warnf(string, ...interface{})     {}
func (disabled) Errorf(string, ...interface{})    {}
func (disabled) Criticalf(string, ...interface{}) {}

// Disabled returns a Logger that discards every call.
func Disabled() Logger { return disabled{} }
