// Package logging provides unified logging infrastructure for treemon
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logFileName = "treemon.log"

// Logger wraps the standard logger with file output
type Logger struct {
	*log.Logger
	dir  string
	file *os.File
	mu   sync.Mutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Initialize sets up the logging system with file output
func Initialize(logDir string) error {
	var initErr error
	once.Do(func() {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			initErr = fmt.Errorf("failed to create log directory: %w", err)
			return
		}

		logPath := filepath.Join(logDir, logFileName)
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) //nolint:gosec // Log path from config
		if err != nil {
			initErr = fmt.Errorf("failed to open log file: %w", err)
			return
		}

		multiWriter := io.MultiWriter(os.Stdout, file)

		defaultLogger = &Logger{
			Logger: log.New(multiWriter, "", log.LstdFlags),
			dir:    logDir,
			file:   file,
		}

		log.SetOutput(multiWriter)
		log.SetFlags(log.LstdFlags)

		log.Printf("Logging initialized: %s", logPath)
	})
	return initErr
}

// Close closes the log file
func Close() error {
	if defaultLogger != nil && defaultLogger.file != nil {
		return defaultLogger.file.Close()
	}
	return nil
}

// SetOutput redirects all log output, mainly for tests and the CLI.
func SetOutput(w io.Writer) {
	if defaultLogger != nil {
		defaultLogger.SetOutput(w)
	}
	log.SetOutput(w)
}

func output(msg string) {
	if defaultLogger != nil {
		defaultLogger.Println(msg)
	} else {
		log.Println(msg)
	}
}

// Printf logs a formatted message
func Printf(format string, v ...interface{}) {
	output(fmt.Sprintf(format, v...))
}

// Println logs a message with newline
func Println(v ...interface{}) {
	output(fmt.Sprint(v...))
}

// Errorf logs an error message
func Errorf(format string, v ...interface{}) {
	output(fmt.Sprintf("[ERROR] "+format, v...))
}

// Warnf logs a warning message
func Warnf(format string, v ...interface{}) {
	output(fmt.Sprintf("[WARN] "+format, v...))
}

// Infof logs an info message
func Infof(format string, v ...interface{}) {
	output(fmt.Sprintf("[INFO] "+format, v...))
}

// Info logs an info message without formatting
func Info(msg string) {
	output("[INFO] " + msg)
}

// Debugf logs a debug message (only when DEBUG=true)
func Debugf(format string, v ...interface{}) {
	if os.Getenv("DEBUG") == "true" {
		output(fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// RotateLogs renames the current log file with a timestamp suffix and
// continues logging to a fresh file in the same directory.
func RotateLogs() error {
	if defaultLogger == nil {
		return fmt.Errorf("logger not initialized")
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	logDir := defaultLogger.dir

	if err := defaultLogger.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	oldPath := filepath.Join(logDir, logFileName)
	newPath := filepath.Join(logDir, fmt.Sprintf("treemon-%s.log", time.Now().Format("20060102-150405")))
	if err := os.Rename(oldPath, newPath); err != nil {
		// Reopen the original file so logging keeps working
		defaultLogger.file, _ = os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) //nolint:gosec // Log path from config
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	file, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) //nolint:gosec // Log path from config
	if err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}

	defaultLogger.file = file

	multiWriter := io.MultiWriter(os.Stdout, file)
	defaultLogger.Logger.SetOutput(multiWriter)
	log.SetOutput(multiWriter)

	log.Printf("Log rotation completed: %s", newPath)
	return nil
}
