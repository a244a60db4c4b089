package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var fnCall = false
var dynType = false
var sysRuntime = false

func makeLogger(flag bool, fields Fields) Logger {
	if loggerFactory != nil {
		return loggerFactory(flag, fields, nil)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return &logrusLogger{logger}
}

// FnCall returns true if the inferior call protocol should be logged.
func FnCall() bool {
	return fnCall
}

func FnCallLogger() Logger {
	return makeLogger(fnCall, Fields{"layer": "proc", "kind": "fncall"})
}

// DynType returns true if dynamic type resolution should be logged.
func DynType() bool {
	return dynType
}

// DynTypeLogger returns a logger for the C++ language runtime.
func DynTypeLogger() Logger {
	return makeLogger(dynType, Fields{"layer": "proc", "kind": "dyntype"})
}

// SystemRuntime returns true if the inferior query handlers should log.
func SystemRuntime() bool {
	return sysRuntime
}

// SystemRuntimeLogger returns a logger for the inferior query handlers.
func SystemRuntimeLogger() Logger {
	return makeLogger(sysRuntime, Fields{"layer": "proc", "kind": "sysruntime"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets introspection log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "sysruntime"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "fncall":
			fnCall = true
		case "dyntype":
			dynType = true
		case "sysruntime":
			sysRuntime = true
		}
	}
	return nil
}
