package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phrazzld/dbtester/internal/dberrors"
)

// EngineError describes a failed administrative operation. The driver error
// is preserved and reachable through errors.Unwrap and errors.As.
type EngineError struct {
	Op       string // Operation that failed, e.g. "create database"
	Database string // Database the operation targeted
	Code     string // SQLSTATE when the server reported one
	Err      error  // Original driver error
}

// Error implements the error interface for EngineError.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", dberrors.ErrEngine, e.Op)
	if e.Database != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Database)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (SQLSTATE %s)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is dberrors.ErrEngine.
func (e *EngineError) Is(target error) bool {
	return target == dberrors.ErrEngine
}

// MapError wraps err as an EngineError for op against database.
// It returns nil for a nil err.
func MapError(op, database string, err error) error {
	if err == nil {
		return nil
	}

	engineErr := &EngineError{Op: op, Database: database, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		engineErr.Code = pgErr.Code
	}
	return engineErr
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// IsObjectInUse reports whether err is a PostgreSQL "object in use" error,
// raised when dropping a database that still has sessions.
func IsObjectInUse(err error) bool {
	return hasCode(err, pgerrcode.ObjectInUse)
}

// IsDuplicateDatabase reports whether err is a PostgreSQL duplicate database error.
func IsDuplicateDatabase(err error) bool {
	return hasCode(err, pgerrcode.DuplicateDatabase)
}

// IsInvalidCatalogName reports whether err means the target database does not exist.
func IsInvalidCatalogName(err error) bool {
	return hasCode(err, pgerrcode.InvalidCatalogName)
}
