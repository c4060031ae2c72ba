// Package logx provides structured logging for the geopulse daemons
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key/value logging on top of logrus
type Logger struct {
	l *logrus.Logger
}

// New creates a new structured logger writing JSON to stdout
func New(levelStr string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	l.SetLevel(parseLevel(levelStr))
	return &Logger{l: l}
}

// NewWithOutput creates a logger writing to the given writer (used in tests)
func NewWithOutput(levelStr string, w io.Writer) *Logger {
	logger := New(levelStr)
	logger.l.SetOutput(w)
	return logger
}

// parseLevel converts string to logrus level
func parseLevel(levelStr string) logrus.Level {
	switch strings.ToLower(levelStr) {
	case "debug", "trace":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fields converts key-value pairs to logrus fields, skipping non-string keys
// and a trailing unpaired key
func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}

// Debug logs a debug message
func (lg *Logger) Debug(msg string, keysAndValues ...interface{}) {
	lg.l.WithFields(fields(keysAndValues)).Debug(msg)
}

// Info logs an info message
func (lg *Logger) Info(msg string, keysAndValues ...interface{}) {
	lg.l.WithFields(fields(keysAndValues)).Info(msg)
}

// Warn logs a warning message
func (lg *Logger) Warn(msg string, keysAndValues ...interface{}) {
	lg.l.WithFields(fields(keysAndValues)).Warn(msg)
}

// Error logs an error message
func (lg *Logger) Error(msg string, keysAndValues ...interface{}) {
	lg.l.WithFields(fields(keysAndValues)).Error(msg)
}
