// Package logger writes leveled, printf-style log lines of the form
//
//	2006/01/02 15:04:05 [LEVEL] message
//
// to stdout. The level is global and may be changed while connections are
// being served.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel is the severity of a message.
type LogLevel int32

const (
	TRACE LogLevel = iota // per-chunk detail
	DEBUG                 // connection state transitions
	INFO
	WARN
	ERROR
	FATAL // logged, then the process exits
)

var levelNames = [...]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var (
	level atomic.Int32
	out   = log.New(os.Stdout, "", log.LstdFlags)
)

func init() {
	level.Store(int32(INFO))
}

// SetLevel changes the minimum level that is written.
func SetLevel(l LogLevel) {
	level.Store(int32(l))
}

func GetLevel() LogLevel {
	return LogLevel(level.Load())
}

// IsLevelEnabled reports whether messages at l would be written.
func IsLevelEnabled(l LogLevel) bool {
	return l >= GetLevel()
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	out.SetOutput(w)
}

// GetLevelFromString parses a level name case-insensitively. "WARNING" is
// accepted for WARN; anything unknown is INFO.
func GetLevelFromString(s string) LogLevel {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "WARNING" {
		return WARN
	}
	for l, name := range levelNames {
		if name == s {
			return LogLevel(l)
		}
	}
	return INFO
}

func (l LogLevel) String() string {
	if l < TRACE || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Logf writes a message at l if l is enabled.
func Logf(l LogLevel, format string, v ...any) {
	if !IsLevelEnabled(l) {
		return
	}
	out.Printf("[%s] %s", l, fmt.Sprintf(format, v...))
}

func Trace(format string, v ...any) { Logf(TRACE, format, v...) }
func Debug(format string, v ...any) { Logf(DEBUG, format, v...) }
func Info(format string, v ...any)  { Logf(INFO, format, v...) }
func Warn(format string, v ...any)  { Logf(WARN, format, v...) }
func Error(format string, v ...any) { Logf(ERROR, format, v...) }

// Fatal logs at FATAL and exits with status 1.
func Fatal(format string, v ...any) {
	Logf(FATAL, format, v...)
	os.Exit(1)
}
