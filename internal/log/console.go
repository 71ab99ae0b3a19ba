package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ConsoleLogger is a leveled logging engine that writes timestamped lines through logrus.
type ConsoleLogger struct {
	level   Level
	backend *logrus.Logger
}

// NewConsoleLogger creates a standard output logger limited to the specified level. Only log
// messages that are at least as severe as the specified level are logged.
func NewConsoleLogger(level Level) Logger {
	return NewWriterLogger(level, os.Stdout)
}

// NewWriterLogger creates a logger limited to the specified level that writes to out.
func NewWriterLogger(level Level, out io.Writer) Logger {
	backend := logrus.New()
	backend.SetOutput(out)
	backend.SetLevel(level.logrus())
	backend.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	return &ConsoleLogger{level: level, backend: backend}
}

// Debug logs a debug message, if permitted by the current level.
func (l *ConsoleLogger) Debug(format string, v ...interface{}) {
	l.log(Debug, format, v...)
}

// Info logs an informational message, if permitted by the current level.
func (l *ConsoleLogger) Info(format string, v ...interface{}) {
	l.log(Info, format, v...)
}

// Warn logs a warning message, if permitted by the current level.
func (l *ConsoleLogger) Warn(format string, v ...interface{}) {
	l.log(Warn, format, v...)
}

// Error logs an error message, if permitted by the current level.
func (l *ConsoleLogger) Error(format string, v ...interface{}) {
	l.log(Error, format, v...)
}

// Level reads the current logging level.
func (l *ConsoleLogger) Level() Level {
	return l.level
}

func (l *ConsoleLogger) log(level Level, format string, v ...interface{}) {
	if l.level.Enables(level) {
		l.backend.Log(level.logrus(), fmt.Sprintf(format, v...))
	}
}
