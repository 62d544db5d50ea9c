package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel enumerates severity tiers.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l LogLevel) String() string {
	if int(l) >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// ParseLogLevel maps a config/flag string onto a LogLevel. Unknown names
// resolve to INFO and report ok=false so the caller can warn.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, true
	case "INFO", "":
		return INFO, true
	case "WARN", "WARNING":
		return WARN, true
	case "ERROR":
		return ERROR, true
	case "FATAL":
		return FATAL, true
	}
	return INFO, false
}

// Logger is a concurrency-safe, levelled logger shared by every stage of the
// node. Component loggers created with With share the parent's sink.
type Logger struct {
	core   *logCore
	prefix string
}

type logCore struct {
	mu    sync.Mutex
	level LogLevel
	inner *log.Logger
	file  *os.File
	exit  func(int)
}

var (
	globalLogger *Logger
	logOnce      sync.Once
)

// InitLogger creates the singleton logger. Call once at startup.
func InitLogger(minLevel LogLevel, logFilePath string) *Logger {
	logOnce.Do(func() {
		writers := []io.Writer{os.Stdout}

		var f *os.File
		if logFilePath != "" {
			var err error
			f, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				writers = append(writers, f)
			} else {
				log.Printf("[WARN] could not open log file %s: %v\n", logFilePath, err)
			}
		}

		globalLogger = &Logger{core: &logCore{
			level: minLevel,
			inner: log.New(io.MultiWriter(writers...), "", 0),
			file:  f,
			exit:  os.Exit,
		}}
	})
	return globalLogger
}

// NewLogger builds a standalone logger writing to w. Used by tests that need
// to inspect output without touching the singleton.
func NewLogger(minLevel LogLevel, w io.Writer) *Logger {
	return &Logger{core: &logCore{
		level: minLevel,
		inner: log.New(w, "", 0),
		exit:  func(int) {},
	}}
}

// L returns the global logger, initialising a stdout-only INFO logger on first use.
func L() *Logger {
	if globalLogger == nil {
		return InitLogger(INFO, "")
	}
	return globalLogger
}

// With returns a child logger whose messages carry a component tag.
func (l *Logger) With(component string) *Logger {
	p := component
	if l.prefix != "" {
		p = l.prefix + "/" + component
	}
	return &Logger{core: l.core, prefix: p}
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *Logger) SetLevel(lvl LogLevel) {
	l.core.mu.Lock()
	l.core.level = lvl
	l.core.mu.Unlock()
}

// Enabled reports whether messages at lvl would be emitted.
func (l *Logger) Enabled(lvl LogLevel) bool {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	return lvl >= l.core.level
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() {
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if l.core.file != nil {
		_ = l.core.file.Close()
		l.core.file = nil
	}
}

func (l *Logger) log(lvl LogLevel, format string, args ...any) {
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if lvl < c.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		c.inner.Printf("[%s] %s  %-10s %s", lvl, ts, l.prefix, msg)
	} else {
		c.inner.Printf("[%s] %s  %s", lvl, ts, msg)
	}

	if lvl == FATAL {
		if c.file != nil {
			_ = c.file.Sync()
		}
		c.exit(1)
	}
}

func (l *Logger) Debug(f string, a ...any) { l.log(DEBUG, f, a...) }
func (l *Logger) Info(f string, a ...any)  { l.log(INFO, f, a...) }
func (l *Logger) Warn(f string, a ...any)  { l.log(WARN, f, a...) }
func (l *Logger) Error(f string, a ...any) { l.log(ERROR, f, a...) }
func (l *Logger) Fatal(f string, a ...any) { l.log(FATAL, f, a...) }
