package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger writes run events to a log file and to stderr. Library packages
// only call Event and Warn; Fatal is reserved for the command line layer.
type Logger struct {
	Filename string
	file     *os.File
	log      *slog.Logger
}

func NewLogger(filename string, cleanup bool) (*Logger, error) {
	// if cleanup create or clear the log file
	if cleanup {
		os.Remove(filename)
	}
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w := io.MultiWriter(f, os.Stderr)
	return &Logger{
		Filename: filename,
		file:     f,
		log:      slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

// NewLoggerTo logs to w only. Used when no log file is configured and by tests.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{log: slog.New(slog.NewTextHandler(w, nil))}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLoggerTo(io.Discard)
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{Filename: l.Filename, file: l.file, log: l.log.With(args...)}
}

func (l *Logger) Event(message string, args ...any) {
	l.log.Info(message, args...)
}

func (l *Logger) Warn(message string, args ...any) {
	l.log.Warn(message, args...)
}

func (l *Logger) Fatal(message string, args ...any) {
	l.log.Log(context.Background(), slog.LevelError, message, args...)
	l.Close()
	os.Exit(1)
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
