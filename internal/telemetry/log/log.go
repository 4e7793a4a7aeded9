// Package log provides the leveled, structured logger used throughout
// the server. It keeps the teacher's internal/logger surface
// (Debug/Info/Warn/Error/Fatal, WithField/WithFields, a package-level
// default instance) but is backed by github.com/sirupsen/logrus instead
// of a hand-rolled ANSI writer.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry so call sites read exactly like the
// teacher's own Logger type.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger writing to output at the given level.
func New(level logrus.Level, output io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(level)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: logrus.NewEntry(base)}
}

// WithField returns a derived Logger with one structured field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived Logger with several structured fields
// attached at once.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithError returns a derived Logger with the error attached under the
// "error" field, the logrus convention.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// NewFromLevelName builds a Logger to os.Stderr at the named level
// ("debug", "info", "warn", "error"), falling back to Info on an
// unrecognized name.
func NewFromLevelName(name string) *Logger {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	return New(lvl, os.Stderr)
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Default is the package-level logger used by code that has not been
// handed a scoped instance (mirrors the teacher's DefaultLogger global).
var Default = New(logrus.InfoLevel, os.Stderr)

// SetLevel adjusts the level of Default by name ("debug", "info",
// "warn", "error"); unrecognized names are left unchanged.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return
	}
	Default.entry.Logger.SetLevel(lvl)
}
