// Package gclog is the diagnostics sink for the collector core. The core
// only ever depends on the Logger contract; log output is for observability,
// never for correctness.
package gclog

import (
	"fmt"
	"io"
	"sync"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
)

// Level is the severity of a log message.
type Level uint8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "!err"
	}
}

// Logger accepts structured event strings from the collector. Tags follow
// the "gc,refine" convention: a comma-separated list, most general first.
type Logger interface {
	Log(tag string, level Level, message string)
}

// Tracef formats and logs a message at trace level.
func Tracef(l Logger, tag, format string, args ...interface{}) {
	l.Log(tag, LevelTrace, fmt.Sprintf(format, args...))
}

// Debugf formats and logs a message at debug level.
func Debugf(l Logger, tag, format string, args ...interface{}) {
	l.Log(tag, LevelDebug, fmt.Sprintf(format, args...))
}

// Infof formats and logs a message at info level.
func Infof(l Logger, tag, format string, args ...interface{}) {
	l.Log(tag, LevelInfo, fmt.Sprintf(format, args...))
}

// Warningf formats and logs a message at warning level.
func Warningf(l Logger, tag, format string, args ...interface{}) {
	l.Log(tag, LevelWarning, fmt.Sprintf(format, args...))
}

// Errorf formats and logs a message at error level.
func Errorf(l Logger, tag, format string, args ...interface{}) {
	l.Log(tag, LevelError, fmt.Sprintf(format, args...))
}

// Bytes renders a byte count in human-readable form for log messages.
func Bytes(n uint64) string {
	return bytesize.New(float64(n)).String()
}

// Discard drops every message. Useful as a default and in tests.
var Discard Logger = discard{}

type discard struct{}

func (discard) Log(tag string, level Level, message string) {}

// Writer is the default Logger. It serializes output and colors the level
// prefix when the destination supports it.
type Writer struct {
	mu    sync.Mutex
	out   io.Writer
	min   Level
	color bool
}

// NewWriter returns a Writer logging to stderr, showing messages at or above
// min. The stderr stream is wrapped so colors also work on Windows consoles.
func NewWriter(min Level) *Writer {
	return &Writer{
		out:   colorable.NewColorableStderr(),
		min:   min,
		color: true,
	}
}

// NewWriterTo returns a Writer logging to an arbitrary destination without
// coloring.
func NewWriterTo(out io.Writer, min Level) *Writer {
	return &Writer{out: out, min: min}
}

var levelColors = [...]string{
	LevelTrace:   "\x1b[90m", // bright black
	LevelDebug:   "\x1b[36m", // cyan
	LevelInfo:    "\x1b[32m", // green
	LevelWarning: "\x1b[33m", // yellow
	LevelError:   "\x1b[31m", // red
}

// Log implements Logger.
func (w *Writer) Log(tag string, level Level, message string) {
	if level < w.min {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.color && int(level) < len(levelColors) {
		fmt.Fprintf(w.out, "[%s] %s%s\x1b[0m: %s\n", tag, levelColors[level], level, message)
	} else {
		fmt.Fprintf(w.out, "[%s] %s: %s\n", tag, level, message)
	}
}
