package logger

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// sink is shared between a logger and every child created with Named.
type sink struct {
	mu       sync.Mutex
	debugLog *log.Logger
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
}

type Logger struct {
	level  Level
	prefix string
	out    *sink
}

func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter builds a logger writing to w instead of stderr.
func NewWithWriter(level string, w io.Writer) *Logger {
	flags := log.LstdFlags | log.Lmicroseconds

	return &Logger{
		level: ParseLevel(level),
		out: &sink{
			debugLog: log.New(w, "[DEBUG] ", flags),
			infoLog:  log.New(w, "[INFO] ", flags),
			warnLog:  log.New(w, "[WARN] ", flags),
			errorLog: log.New(w, "[ERROR] ", flags),
		},
	}
}

// Named returns a child logger whose lines start with "component: ".
func (l *Logger) Named(component string) *Logger {
	prefix := component + ": "
	if l.prefix != "" {
		prefix = strings.TrimSuffix(l.prefix, ": ") + "." + prefix
	}
	return &Logger{level: l.level, prefix: prefix, out: l.out}
}

func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) write(lg *log.Logger, format string, args ...interface{}) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	lg.Printf(l.prefix+format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.write(l.out.debugLog, format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.write(l.out.infoLog, format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.write(l.out.warnLog, format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.write(l.out.errorLog, format, args...)
	}
}
