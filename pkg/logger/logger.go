// Package logger provides structured logging for ssh-monitor using Logrus.
// It supports JSON and text formats, the usual log levels, and per-monitor
// scoped entries.
package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log            *logrus.Logger
	mu             sync.RWMutex
	currentLogFile io.Closer
)

func init() {
	log = logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)
}

// Initialize reconfigures the shared logger. Entries handed out earlier by
// ForMonitor keep working because the logger is updated in place.
//
// Parameters:
//   - level: debug, info, warn, error or fatal
//   - format: json or text
//   - output: stdout, stderr or file
//   - outputFile: path used when output is "file"
func Initialize(level, format, output string, outputFile string) error {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	case "text":
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		}
	default:
		return fmt.Errorf("invalid log format %q: must be json or text", format)
	}

	var writer io.Writer
	var closer io.Closer
	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	case "file":
		if outputFile == "" {
			return fmt.Errorf("logFile must be specified when logOutput is 'file'")
		}
		file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", outputFile, err)
		}
		buffered := &bufferedFileWriter{
			Writer: bufio.NewWriterSize(file, 64*1024),
			file:   file,
		}
		writer = buffered
		closer = buffered
	default:
		return fmt.Errorf("invalid log output %q: must be stdout, stderr, or file", output)
	}

	if currentLogFile != nil {
		if err := currentLogFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close previous log file: %v\n", err)
		}
	}
	currentLogFile = closer

	log.SetLevel(lvl)
	log.SetFormatter(formatter)
	log.SetOutput(writer)
	return nil
}

// bufferedFileWriter flushes its buffer before closing the file.
type bufferedFileWriter struct {
	*bufio.Writer
	file *os.File
}

func (w *bufferedFileWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	return w.file.Close()
}

// Get returns the shared logger instance.
func Get() *logrus.Logger {
	return log
}

// ForMonitor returns an entry scoped to a single monitor. The entry satisfies
// the monitors.Logger interface.
func ForMonitor(name string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"component": "monitor",
		"monitor":   name,
	})
}

// WithFields returns a logger entry with structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

// WithField returns a logger entry with a single structured field.
func WithField(key string, value interface{}) *logrus.Entry {
	return log.WithField(key, value)
}

// WithError returns a logger entry with an error field.
func WithError(err error) *logrus.Entry {
	return log.WithError(err)
}

// Debugf logs a formatted message at level Debug.
func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

// Infof logs a formatted message at level Info.
func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// Warnf logs a formatted message at level Warn.
func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

// Errorf logs a formatted message at level Error.
func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

// SetLevel sets the log level programmatically.
func SetLevel(level logrus.Level) {
	log.SetLevel(level)
}

// GetLevel returns the current log level.
func GetLevel() logrus.Level {
	return log.GetLevel()
}

// Close flushes and closes the log file if one is open. Safe to call more
// than once.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if currentLogFile != nil {
		err := currentLogFile.Close()
		currentLogFile = nil
		log.SetOutput(os.Stderr)
		return err
	}
	return nil
}

// Flush writes any buffered log data to the output.
func Flush() error {
	mu.RLock()
	defer mu.RUnlock()

	if flusher, ok := log.Out.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}
