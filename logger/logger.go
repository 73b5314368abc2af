// Package logger defines the logging interface used throughout meridian
// and the implementations the server wires up.
package logger

import (
	"fmt"
	"io"
	"log"
	"time"
)

// Ensure nopLogger implements interface.
var _ Logger = &nopLogger{}

// Logger is the shared logging interface. Printf logs at info level; the
// leveled methods exist so verbose-only detail can be filtered without
// touching call sites.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

const (
	levelError = iota
	levelWarn
	levelInfo
	levelDebug
)

func levelPrefix(level int) string {
	return [...]string{"ERROR: ", "WARN:  ", "INFO:  ", "DEBUG: "}[level]
}

// NopLogger represents a Logger that doesn't do anything.
var NopLogger Logger = &nopLogger{}

type nopLogger struct{}

func (n *nopLogger) Printf(format string, v ...interface{}) {}
func (n *nopLogger) Debugf(format string, v ...interface{}) {}
func (n *nopLogger) Infof(format string, v ...interface{})  {}
func (n *nopLogger) Warnf(format string, v ...interface{})  {}
func (n *nopLogger) Errorf(format string, v ...interface{}) {}

// standardLogger is a basic implementation of Logger based on log.Logger.
type standardLogger struct {
	logger    *log.Logger
	verbosity int
}

// utcWriter stamps every line in UTC with constant width and
// microsecond resolution.
type utcWriter struct {
	w io.Writer
}

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func (u utcWriter) Write(p []byte) (int, error) {
	return fmt.Fprintf(u.w, "%v %v", time.Now().UTC().Format(timeFormat), string(p))
}

func newStandardLogger(w io.Writer, verbosity int) *standardLogger {
	return &standardLogger{
		logger:    log.New(utcWriter{w: w}, "", 0),
		verbosity: verbosity,
	}
}

// NewStandardLogger returns a logger writing info and above to w.
func NewStandardLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, levelInfo)
}

// NewVerboseLogger returns a logger which also writes debug output to w.
func NewVerboseLogger(w io.Writer) *standardLogger {
	return newStandardLogger(w, levelDebug)
}

func (s *standardLogger) printf(level int, format string, v ...interface{}) {
	if level > s.verbosity {
		return
	}
	s.logger.Printf(levelPrefix(level)+format, v...)
}

func (s *standardLogger) Printf(format string, v ...interface{}) {
	s.printf(levelInfo, format, v...)
}

func (s *standardLogger) Debugf(format string, v ...interface{}) {
	s.printf(levelDebug, format, v...)
}

func (s *standardLogger) Infof(format string, v ...interface{}) {
	s.printf(levelInfo, format, v...)
}

func (s *standardLogger) Warnf(format string, v ...interface{}) {
	s.printf(levelWarn, format, v...)
}

func (s *standardLogger) Errorf(format string, v ...interface{}) {
	s.printf(levelError, format, v...)
}
