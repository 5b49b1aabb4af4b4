// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/batchex/batchex/bex"
	"github.com/batchex/batchex/server/auction"
	"github.com/batchex/batchex/server/clearing"
	"github.com/batchex/batchex/server/feed"
	"github.com/batchex/batchex/server/settle"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, define it in the subsystemLoggers map.
//
// For packages with package-level loggers, subsystem logging calls should not
// be done before actually setting the logger in parseAndSetDebugLevels.
//
// Loggers should not be used before the log rotator has been initialized with
// a log file. This must be performed early during application startup by
// calling initLogRotator.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// backendLog is the io.Writer the LoggerMaker writes to.
	backendLog = logWriter{}

	// package main's Logger.
	log = bex.Disabled

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger. The loggers are disabled until parseAndSetDebugLevels is called.
	subsystemLoggers = map[string]bex.Logger{
		"MAIN": bex.Disabled,
		"AUC":  bex.Disabled,
		"CLR":  bex.Disabled,
		"STL":  bex.Disabled,
		"FEED": bex.Disabled,
		"ORCL": bex.Disabled,
		"ARCH": bex.Disabled,
	}
)

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}

// setLogLevel creates the subsystem's logger at the given level and hands it
// to the subsystem. ORCL and ARCH loggers are passed to their consumers by
// mainCore via subsystemLogger.
func setLogLevel(lm *bex.LoggerMaker, subsysID string, level slog.Level) {
	if _, ok := subsystemLoggers[subsysID]; !ok {
		return
	}
	logger := lm.NewLogger(subsysID, level)
	subsystemLoggers[subsysID] = logger
	switch subsysID {
	case "MAIN":
		log = logger
	case "AUC":
		auction.UseLogger(logger)
	case "CLR":
		clearing.UseLogger(logger)
	case "STL":
		settle.UseLogger(logger)
	case "FEED":
		feed.UseLogger(logger)
	}
}

// setLogLevels sets the log level for all subsystem loggers.
func setLogLevels(lm *bex.LoggerMaker, level slog.Level) {
	for subsysID := range subsystemLoggers {
		setLogLevel(lm, subsysID, level)
	}
}

// subsystemLogger returns the current logger for the subsystem, for
// subsystems that take logger instances rather than package-level loggers.
func subsystemLogger(subsysID string) bex.Logger {
	return subsystemLoggers[subsysID]
}
