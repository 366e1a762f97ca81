// Package logging contains data structures useful to implement logging
// across the proxy in a Docker friendly way.
package logging

import (
	"io"
	golog "log"
	"net/http"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/gorilla/handlers"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a logger that logs messages on the standard error
// in a structured JSON format, to simplify processing. Emitting logs
// on the standard error is consistent with the standard practices
// when dockerising a network service.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.DebugLevel,
}

// RotateTo makes Logger write to both the standard error and a size
// rotated file at path. The returned closer releases the file. A
// maxSizeMB of zero uses the lumberjack default of 100 megabytes.
func RotateTo(path string, maxSizeMB int) io.Closer {
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
		Compress:   true,
	}
	Logger.Handler = json.New(io.MultiWriter(os.Stderr, rotated))
	return rotated
}

// MakeAccessLogHandler wraps |handler| with another handler that logs
// access to each resource on the standard output. We do not emit JSON
// access logs, because access logs are a fairly standard format that
// has been around for a long time now, so better to follow such standard.
func MakeAccessLogHandler(handler http.Handler) http.Handler {
	return handlers.LoggingHandler(golog.Writer(), handler)
}
