package goplaylib

import (
	"log"
)

// LogLevel is a log level.
type LogLevel int

// Log levels.
const (
	LogLevelDebug LogLevel = iota + 1
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelLabels = map[LogLevel]string{
	LogLevelDebug: "DEB",
	LogLevelInfo:  "INF",
	LogLevelWarn:  "WAR",
	LogLevelError: "ERR",
}

// String implements fmt.Stringer.
func (l LogLevel) String() string {
	if lb, ok := logLevelLabels[l]; ok {
		return lb
	}
	return "UNK"
}

// LogFunc is the prototype of log callbacks.
type LogFunc func(level LogLevel, format string, args ...interface{})

func defaultLog(level LogLevel, format string, args ...interface{}) {
	log.Printf("["+level.String()+"] "+format, args...)
}
