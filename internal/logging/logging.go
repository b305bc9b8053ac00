// Package logging builds the zerolog loggers used by every ollisten binary.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// TimeFormat is the timestamp layout of log lines.
const TimeFormat = "2006-01-02 15:04:05"

// Logger is a file-backed logger. Close releases the file.
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New opens <dir>/<name>.log for appending and returns a logger writing
// plain console lines to it, and to stderr when console is set.
func New(dir, name string, console bool) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, name+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var out io.Writer = file
	if console {
		out = io.MultiWriter(file, os.Stderr)
	}
	return &Logger{Logger: NewWriter(out), file: file}, nil
}

// NewWriter returns a logger writing console-formatted lines to w.
func NewWriter(w io.Writer) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: TimeFormat,
		NoColor:    true,
	}
	return zerolog.New(consoleWriter).With().Timestamp().Int("pid", os.Getpid()).Logger()
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
