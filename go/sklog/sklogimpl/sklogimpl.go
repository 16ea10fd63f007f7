// Package sklogimpl contains the interface for the logger used by sklog.
// It is a separate package to break import cycles between sklog and the
// packages that implement logging.
package sklogimpl

import (
	"os"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	// Debug should be used for information that is useful to developers
	// during local development and debugging.
	Debug Severity = iota
	// Info should be used for information that is useful to anyone trying to
	// understand what a running process is doing.
	Info
	// Warning should be used for potentially bad, non-fatal conditions.
	Warning
	// Error should be used for bad, non-fatal conditions.
	Error
	// Fatal should be used for conditions the process cannot recover from.
	// Logging at Fatal exits the process after the log is emitted.
	Fatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	}
	return "Unknown"
}

// Logger is implemented by anything that can emit sklog logs.
type Logger interface {
	// Log emits the message at the given severity. depth is the number of
	// stack frames to skip when reporting the call site; 0 means the caller
	// of Log. If fmtStr is empty the args are formatted with fmt.Sprint,
	// otherwise with fmt.Sprintf.
	Log(depth int, severity Severity, fmtStr string, args ...interface{})

	// Flush writes any buffered log lines.
	Flush()
}

var logger Logger

// SetLogger changes the package to use the given Logger. Must be called
// before any logging takes place.
func SetLogger(l Logger) {
	logger = l
}

// Log forwards to the configured Logger and exits the process on Fatal.
func Log(depth int, severity Severity, fmtStr string, args ...interface{}) {
	logger.Log(depth+1, severity, fmtStr, args...)
	if severity == Fatal {
		logger.Flush()
		os.Exit(255)
	}
}

// Flush flushes the configured Logger.
func Flush() {
	logger.Flush()
}
