package main

import (
	"fmt"
	"io"
	"time"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// newLogger creates a logrus logger for the given level name.
func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	var logLevel logrus.Level
	switch level {
	case "trace":
		logLevel = logrus.TraceLevel
	case "debug":
		logLevel = logrus.DebugLevel
	case "info":
		logLevel = logrus.InfoLevel
	case "warn", "":
		logLevel = logrus.WarnLevel
	case "error":
		logLevel = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", level)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

// loggerFactory hands the stack layers scoped logrus entries.
type loggerFactory struct {
	logger *logrus.Logger
}

var _ logging.LoggerFactory = loggerFactory{}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{entry: f.logger.WithField("scope", scope)}
}

type scopedLogger struct {
	entry *logrus.Entry
}

func (l scopedLogger) Trace(msg string) { l.entry.Trace(msg) }
func (l scopedLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l scopedLogger) Debug(msg string) { l.entry.Debug(msg) }
func (l scopedLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l scopedLogger) Info(msg string) { l.entry.Info(msg) }
func (l scopedLogger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }
func (l scopedLogger) Warn(msg string) { l.entry.Warn(msg) }
func (l scopedLogger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }
func (l scopedLogger) Error(msg string) { l.entry.Error(msg) }
func (l scopedLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
