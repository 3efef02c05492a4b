package squashfs

import "github.com/sirupsen/logrus"

// Logger is the narrow logging surface Writer and Reader accept, so callers
// embedding this package in a larger service can route messages through
// their own structured logger instead of this package picking one for them.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopLogger discards everything; it is the zero-value default so Writer and
// Reader never have to nil-check their logger field.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// logrusLogger adapts *logrus.Logger to Logger. Used by cmd/sqfsmk, which
// already configures logrus for its own output.
type logrusLogger struct {
	l *logrus.Logger
}

// NewLogrusLogger wraps an existing *logrus.Logger for use as a Writer or
// Reader Logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	return logrusLogger{l: l}
}

func (l logrusLogger) Debugf(format string, args ...interface{}) {
	l.l.Debugf(format, args...)
}

func (l logrusLogger) Warnf(format string, args ...interface{}) {
	l.l.Warnf(format, args...)
}

func (l logrusLogger) Errorf(format string, args ...interface{}) {
	l.l.Errorf(format, args...)
}
