// Package logging provides scoped, level-filtered structured logging to the
// diagnostic stream (stderr), distinct from any data the agent writes to
// stdout. Built on zerolog, following the teacher's NewLogger idiom, but
// emitting the agent's fixed text format rather than zerolog's default JSON.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the four levels spec.md §4.12 requires, in increasing
// severity order.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// threshold is process-wide; every scoped Logger reads it on each call, so
// SetThreshold also applies to Loggers created earlier.
var threshold atomic.Int32

func SetThreshold(l Level) { threshold.Store(int32(l)) }

func Threshold() Level { return Level(threshold.Load()) }

func init() {
	SetThreshold(Info)
}

// Logger is a named scope writing "<ISO timestamp> <LEVEL> [<scope>]
// <message> k=v …" lines to out (stderr by default).
type Logger struct {
	scope string
	out   io.Writer
}

var output io.Writer = os.Stderr

// SetOutput sets the destination for Loggers created after the call;
// Loggers created earlier keep the destination they were created with.
func SetOutput(w io.Writer) { output = w }

func New(scope string) *Logger {
	return &Logger{scope: scope, out: output}
}

// Scope returns a child logger with a colon-joined scope name, e.g.
// New("Signal").Scope("Inbound") -> "Signal:Inbound".
func (l *Logger) Scope(name string) *Logger {
	return &Logger{scope: l.scope + ":" + name, out: l.out}
}

func (l *Logger) Debugf(msg string, kv ...any) { l.log(Debug, msg, kv...) }
func (l *Logger) Infof(msg string, kv ...any)  { l.log(Info, msg, kv...) }
func (l *Logger) Warnf(msg string, kv ...any)  { l.log(Warn, msg, kv...) }
func (l *Logger) Errorf(msg string, kv ...any) { l.log(Error, msg, kv...) }

func (l *Logger) log(level Level, msg string, kv ...any) {
	if level < Threshold() {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(level.String())
	b.WriteString(" [")
	b.WriteString(l.scope)
	b.WriteString("] ")
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%s", kv[i], formatValue(kv[i+1], level))
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

// formatValue serializes a field value compactly; errors get their stack
// trace (via %+v) only at debug level, per §4.12.
func formatValue(v any, level Level) string {
	if err, ok := v.(error); ok {
		if level <= Debug {
			return fmt.Sprintf("%q", fmt.Sprintf("%+v", err))
		}
		return fmt.Sprintf("%q", err.Error())
	}
	switch vv := v.(type) {
	case string:
		if strings.ContainsAny(vv, " \t\n") {
			return fmt.Sprintf("%q", vv)
		}
		return vv
	default:
		return fmt.Sprintf("%v", vv)
	}
}

// ZerologLevel is kept only so other packages that prefer the zerolog API
// directly (e.g. to pass into a library expecting zerolog.Logger) can derive
// one consistent with the process threshold.
func ZerologLevel() zerolog.Level {
	switch Threshold() {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
