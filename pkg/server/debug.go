package server

import (
	"io"
	"log"
	"os"
)

// debugLog is silent unless debug logging is enabled at startup.
var debugLog = log.New(io.Discard, "", log.Ldate|log.Ltime|log.Lmicroseconds)

// EnableDebugLogging routes debug output to stderr.
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
