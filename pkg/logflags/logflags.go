// Package logflags defines and configures the per-component debug logging
// used throughout crashkit. Logging for a component is off by default and is
// enabled with the --log-output flag; a disabled component still logs at
// error level so that failures are never silent.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	imageList  = false
	machFile   = false
	fileLoader = false
)

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = level
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	level := logrus.ErrorLevel
	if flag {
		level = logrus.DebugLevel
	}
	return makeLogger(level, fields)
}

// ImageList returns true if the binary image registry should log its
// activity (inserts, removals, bootstrap).
func ImageList() bool {
	return imageList
}

// ImageListLogger returns a logger for the binary image registry.
func ImageListLogger() Logger {
	return makeFlaggableLogger(imageList, Fields{"layer": "imagelist"})
}

// MachFile returns true if Mach-O parsing should log recoverable problems
// (skipped crash-info sections, rejected strings).
func MachFile() bool {
	return machFile
}

// MachFileLogger returns a logger for Mach-O parsing.
func MachFileLogger() Logger {
	return makeFlaggableLogger(machFile, Fields{"layer": "machfile"})
}

// FileLoader returns true if the file-backed image loader should log.
func FileLoader() bool {
	return fileLoader
}

// FileLoaderLogger returns a logger for the file-backed image loader.
func FileLoaderLogger() Logger {
	return makeFlaggableLogger(fileLoader, Fields{"layer": "fileloader"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component logging flags based on the contents of logstr and
// redirects logging to logDest if specified.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "crashkit-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return err
			}
			logOut = fh
		}
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "imagelist"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "imagelist":
			imageList = true
		case "machfile":
			machFile = true
		case "fileloader":
			fileLoader = true
		default:
			return fmt.Errorf("invalid log component %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
