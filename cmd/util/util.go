package util

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sidkik/tailsync/pkg/config"
	"github.com/sidkik/tailsync/pkg/errors"
)

// Mocked for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the error and exits the process. Friendly errors
// are printed without their context.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs a panic before letting it crash the process. It must be
// deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).Error("Unexpected panic")
		panic(r)
	}
}

// Log file rotation settings.
const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
	logFileMaxAgeDays = 28
)

// SetupLogging configures the standard logger according to the config. The
// packet stream owns stdout, so diagnostics go to stderr unless a log file is
// configured. `verbose` overrides the configured level.
func SetupLogging(cfg config.Config, verbose bool) (io.Closer, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		log.SetOutput(stderr)
		return nopCloser{}, nil
	}

	logFile := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
		Compress:   true,
	}
	log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	log.SetOutput(logFile)
	return logFile, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
