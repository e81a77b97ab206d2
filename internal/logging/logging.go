// Package logging builds the loggers handed to engine components.
//
// Components take an injected *log.Logger and never log through
// globals; this package decides where those loggers write. CLI
// commands stay quiet unless --verbose, the daemon writes to stderr
// and a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the daemon log.
const (
	maxSizeMB  = 10
	maxBackups = 3
	maxAgeDays = 30
)

// Component returns a logger with the house prefix style, writing to w.
func Component(w io.Writer, name string) *log.Logger {
	return log.New(w, "["+name+"] ", log.LstdFlags)
}

// CLI returns a component logger for interactive commands: stderr when
// verbose, discarded otherwise.
func CLI(name string, verbose bool) *log.Logger {
	if !verbose {
		return Component(io.Discard, name)
	}
	return Component(os.Stderr, name)
}

// NewRotatingWriter returns the daemon's rotating log file writer. The
// caller owns Close.
func NewRotatingWriter(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
}

// DaemonWriter combines stderr with the rotating file so foreground
// runs show output while the file keeps history.
func DaemonWriter(rotating io.Writer) io.Writer {
	return io.MultiWriter(os.Stderr, rotating)
}
