// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package. Setup builds a logger
// from configuration and returns it; components receive that logger through
// their constructors and never reach for a process-wide default.
package logger
