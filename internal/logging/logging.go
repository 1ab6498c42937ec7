// Package logging builds the component loggers used across the agent.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup returns a factory for prefixed component loggers.
//
// When logFile is empty, loggers write to stderr. Otherwise output goes to
// both stderr and the rotating file (10 MB per file, 5 backups, 30 days).
func Setup(logFile string) func(prefix string) *log.Logger {
	var out io.Writer = os.Stderr

	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}

	return func(prefix string) *log.Logger {
		return log.New(out, prefix, log.LstdFlags)
	}
}
