// Package dberrors defines the error kinds shared by every stage of a test
// database session. Callers classify failures with errors.Is and errors.As
// rather than by inspecting messages.
package dberrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error kinds used across all packages.
var (
	// ErrConfiguration is returned when settings are missing or invalid.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned when a required directory or file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrFormat is returned when a value is present but malformed, such as a
	// dependency folder that does not identify a database name.
	ErrFormat = errors.New("format error")

	// ErrArgument is returned when a required argument is empty or invalid.
	ErrArgument = errors.New("invalid argument")

	// ErrEngine is returned when an administrative database operation fails.
	// The driver error is always available through errors.Unwrap.
	ErrEngine = errors.New("engine error")

	// ErrSyntax is returned when auxiliary migration files fail the static
	// syntax check.
	ErrSyntax = errors.New("sql syntax error")

	// ErrDependency is returned when a dependency database is missing or one
	// of its down migrations fails.
	ErrDependency = errors.New("dependency error")

	// ErrScript is returned when a script runs to completion but reports a
	// non-zero exit code.
	ErrScript = errors.New("script failed")

	// Derived kinds

	// ErrOutOfRange indicates an argument outside its permitted range.
	ErrOutOfRange = fmt.Errorf("%w: out of range", ErrArgument)

	// ErrEmptyPath indicates an empty migration path. It is both a
	// configuration and an argument failure.
	ErrEmptyPath = fmt.Errorf("%w: %w: empty path", ErrConfiguration, ErrArgument)
)

// StageError labels a failure with the lifecycle stage it happened in,
// e.g. "Failed Creating Database".
type StageError struct {
	Stage string // Human readable stage label
	Err   error  // Original error
}

// Error implements the error interface for StageError.
func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Stage
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with the given stage label. A nil err yields nil.
func NewStageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// SyntaxError aggregates static analysis failures for the files of one
// migration directory.
type SyntaxError struct {
	Path  string              // Migration directory
	Files map[string][]string // File name -> error descriptions
}

// Error implements the error interface for SyntaxError.
func (e *SyntaxError) Error() string {
	names := make([]string, 0, len(e.Files))
	for name := range e.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "sql errors in migration '%s'", e.Path)
	for _, name := range names {
		fmt.Fprintf(&b, "; %s: %s", name, strings.Join(e.Files[name], ", "))
	}
	return b.String()
}

// Is reports whether target is ErrSyntax.
func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}
