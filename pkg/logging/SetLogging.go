// Package logging with logrus setup for servient applications
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// SetLogging initializes the global logger with the given level and log file.
//
// This configures logrus once at startup. There is no other process-wide
// state; components receive their configuration explicitly.
//
//  levelName is one of error, warning, info, debug. Default is warning.
//  filename is the log output file. Use "" to log to stderr only.
func SetLogging(levelName string, filename string) error {
	loggingLevel := logrus.DebugLevel

	if levelName != "" {
		switch levelName {
		case "error":
			loggingLevel = logrus.ErrorLevel
		case "warn", "warning":
			loggingLevel = logrus.WarnLevel
		case "info":
			loggingLevel = logrus.InfoLevel
		case "debug":
			loggingLevel = logrus.DebugLevel
		default:
			err := fmt.Errorf("SetLogging: unknown logging level: %s", levelName)
			logrus.SetLevel(logrus.WarnLevel)
			return err
		}
	}

	logOut := os.Stderr
	if filename != "" {
		logFileHandle, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			err = fmt.Errorf("SetLogging: unable to open logfile %s: %w", filename, err)
			logrus.Error(err)
			return err
		}
		logOut = logFileHandle
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		PadLevelText:    true,
		TimestampFormat: "2006-01-02T15:04:05.000-0700",
		FullTimestamp:   true,
	})
	logrus.SetOutput(logOut)
	logrus.SetLevel(loggingLevel)
	logrus.SetReportCaller(false)
	return nil
}
