// Package logging contains the singleton logger used across bitzel.
// It deliberately has little else since it's a dependency of nearly every
// other package.
package logging

import (
	"gopkg.in/op/go-logging.v1"
)

// Log is the singleton logger instance for the whole process.
// We never alter individual levels and don't log the module name per
// package, so there is no need for more than one instance.
var Log = logging.MustGetLogger("bitzel")

// Level re-exports the underlying library's type.
type Level = logging.Level

// Re-exports of the log levels we use.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)
