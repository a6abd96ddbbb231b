package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger provides structured logging for the ingest core.
type Logger struct {
	prefix string
	logger *log.Logger
	kv     []interface{}
}

// NewLogger creates a new logger with a prefix.
func NewLogger(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		logger: log.New(os.Stdout, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
}

// With returns a child logger that always includes the given key-value pairs,
// e.g. logger.With("job_id", jobID).Info("stage started").
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	child := &Logger{prefix: l.prefix, logger: l.logger}
	child.kv = append(append([]interface{}{}, l.kv...), keysAndValues...)
	return child
}

// Info logs an informational message with key-value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV("INFO", msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV("WARN", msg, keysAndValues...)
}

// Error logs an error message with key-value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV("ERROR", msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV("DEBUG", msg, keysAndValues...)
}

// Fatal logs at FATAL level and exits the process. Reserved for composition-root
// startup failures; components should return errors instead.
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.logWithKV("FATAL", msg, keysAndValues...)
	os.Exit(1)
}

func (l *Logger) logWithKV(level, msg string, keysAndValues ...interface{}) {
	all := append(append([]interface{}{}, l.kv...), keysAndValues...)
	kvStr := ""
	for i := 0; i < len(all); i += 2 {
		if i+1 < len(all) {
			kvStr += fmt.Sprintf(" %v=%v", all[i], all[i+1])
		}
	}
	l.logger.Printf("[%s] %s%s", level, msg, kvStr)
}
