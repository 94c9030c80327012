// Package debug provides lightweight diagnostic logging for the core,
// gated by BONES_DEBUG so library consumers get silence by default.
package debug

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.Mutex
	enabled = os.Getenv("BONES_DEBUG") != ""
	logger  *slog.Logger
)

// Logf records a debug line through the structured diagnostics logger
// when BONES_DEBUG is set, a no-op otherwise. It mirrors the teacher's
// own debug.Logf call sites, generalized here to route through Diag()
// instead of writing straight to stderr so SetLogFile's rotation
// actually applies to these call sites.
func Logf(format string, args ...interface{}) {
	if !enabled {
		return
	}
	msg := strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
	Diag().Debug(msg)
}

// handlerOpts keeps debug-level records (Logf's own level) from being
// dropped by the handlers' default Info-and-above filter.
var handlerOpts = &slog.HandlerOptions{Level: slog.LevelDebug}

// SetLogFile directs structured diagnostics (verify reports, torn-write
// repairs, no-op warnings, and Logf's own call sites) to a rotated log
// file instead of stderr. Passing an empty path reverts to stderr.
func SetLogFile(path string, maxSizeMB int) {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
		return
	}
	w := &lumberjack.Logger{
		Filename: path,
		MaxSize:  maxSizeMB,
		MaxAge:   28,
		Compress: true,
	}
	logger = slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// Diag returns the structured diagnostics logger, defaulting to a plain
// stderr text handler until SetLogFile is called.
func Diag() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}
	return logger
}
