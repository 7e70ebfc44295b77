package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/sethvargo/go-retry"

	"github.com/phrazzld/dbtester/internal/config"
	"github.com/phrazzld/dbtester/internal/dberrors"
	"github.com/phrazzld/dbtester/internal/platform/logger"
)

// AdminDatabase is the bootstrap database used for administrative connections.
const AdminDatabase = "postgres"

// MaxIdentifierLength is the longest database name PostgreSQL accepts (NAMEDATALEN-1).
const MaxIdentifierLength = 63

// systemDatabases are never reported by DatabaseExists.
var systemDatabases = []string{"postgres", "template0", "template1"}

// State is the readiness of a database as reported by pg_database.
type State string

const (
	// StateMissing means no database with the name exists.
	StateMissing State = "missing"
	// StateOnline means the database accepts connections.
	StateOnline State = "online"
	// StateRestricted means the database exists but datallowconn is false.
	StateRestricted State = "restricted"
	// StateInvalid marks a database left behind by an interrupted DROP DATABASE.
	StateInvalid State = "invalid"
)

const (
	stateQuery = `SELECT datallowconn, datconnlimit FROM pg_database WHERE datname = $1`

	existsQuery = `SELECT EXISTS (
		SELECT 1 FROM pg_database
		WHERE datname = $1 AND NOT (datname = ANY($2))
	)`

	terminateQuery = `SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`
)

// Admin performs administrative operations against a PostgreSQL server.
// It holds no connections between calls; each operation opens the
// administrative connection it is given and closes it before returning.
type Admin struct {
	wait   config.WaitPolicy
	logger *slog.Logger
}

// NewAdmin creates an Admin that polls at the intervals in wait.
// If logger is nil, log output is discarded.
func NewAdmin(wait config.WaitPolicy, log *slog.Logger) *Admin {
	return &Admin{
		wait:   wait,
		logger: logger.OrDiscard(log).With(slog.String(logger.KeyComponent, "database_admin")),
	}
}

// withDB opens adminConn, runs fn and closes the connection.
func (a *Admin) withDB(ctx context.Context, op, name, adminConn string, fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", adminConn)
	if err != nil {
		return MapError(op, name, err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			a.logger.Warn("failed to close admin connection",
				slog.String(logger.KeyDatabase, name),
				slog.String(logger.KeyError, closeErr.Error()))
		}
	}()

	// One connection is enough and keeps pg_backend_pid() meaningful.
	db.SetMaxOpenConns(1)

	return fn(db)
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("database name is required: %w", dberrors.ErrArgument)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("database name %q is %d bytes, limit is %d: %w",
			name, len(name), MaxIdentifierLength, dberrors.ErrOutOfRange)
	}
	return nil
}

// CreateDatabase creates name and blocks until it is online. The wait has no
// bound beyond ctx.
func (a *Admin) CreateDatabase(ctx context.Context, adminConn, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	return a.withDB(ctx, "create database", name, adminConn, func(db *sql.DB) error {
		a.logger.Info("creating database", slog.String(logger.KeyDatabase, name))

		stmt := "CREATE DATABASE " + pgx.Identifier{name}.Sanitize()
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return MapError("create database", name, err)
		}

		return a.poll(ctx, a.wait.CreateDatabase(), func(ctx context.Context) (bool, error) {
			state, err := queryState(ctx, db, name)
			if err != nil {
				return false, err
			}
			switch state {
			case StateOnline:
				return true, nil
			case StateInvalid:
				return false, &EngineError{
					Op:       "create database",
					Database: name,
					Err:      fmt.Errorf("database is in state %s", state),
				}
			}
			a.logger.Info("waiting for database to come online",
				slog.String(logger.KeyDatabase, name),
				slog.String(logger.KeyState, string(state)))
			return false, nil
		})
	})
}

// DeleteDatabase drops name and blocks until it no longer exists. Sessions
// that connect between CloseConnections and the drop are terminated and the
// drop is retried. A database that is already gone counts as deleted.
func (a *Admin) DeleteDatabase(ctx context.Context, adminConn, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	return a.withDB(ctx, "delete database", name, adminConn, func(db *sql.DB) error {
		a.logger.Info("deleting database", slog.String(logger.KeyDatabase, name))

		stmt := "DROP DATABASE " + pgx.Identifier{name}.Sanitize()
		err := a.poll(ctx, a.wait.DeleteDatabase(), func(ctx context.Context) (bool, error) {
			_, err := db.ExecContext(ctx, stmt)
			switch {
			case err == nil:
				return true, nil
			case IsInvalidCatalogName(err):
				a.logger.Info("database already removed", slog.String(logger.KeyDatabase, name))
				return true, nil
			case IsObjectInUse(err):
				terminated, termErr := terminate(ctx, db, name)
				if termErr != nil {
					return false, termErr
				}
				a.logger.Info("database still in use, retrying drop",
					slog.String(logger.KeyDatabase, name),
					slog.Int("terminated", terminated))
				return false, nil
			default:
				return false, MapError("delete database", name, err)
			}
		})
		if err != nil {
			return err
		}

		return a.poll(ctx, a.wait.DeleteDatabase(), func(ctx context.Context) (bool, error) {
			state, err := queryState(ctx, db, name)
			if err != nil {
				return false, err
			}
			if state == StateMissing {
				return true, nil
			}
			a.logger.Info("waiting for database to be removed",
				slog.String(logger.KeyDatabase, name),
				slog.String(logger.KeyState, string(state)))
			return false, nil
		})
	})
}

// DatabaseExists reports whether a non-system database called name exists.
func (a *Admin) DatabaseExists(ctx context.Context, adminConn, name string) (bool, error) {
	var exists bool
	err := a.withDB(ctx, "check database exists", name, adminConn, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, existsQuery, name, systemDatabases)
		if err := row.Scan(&exists); err != nil {
			return MapError("check database exists", name, err)
		}
		return nil
	})
	return exists, err
}

// CloseConnections terminates every other session connected to name.
func (a *Admin) CloseConnections(ctx context.Context, adminConn, name string) error {
	if name == "" {
		return fmt.Errorf("database name is required: %w", dberrors.ErrArgument)
	}

	return a.withDB(ctx, "close connections", name, adminConn, func(db *sql.DB) error {
		terminated, err := terminate(ctx, db, name)
		if err != nil {
			return err
		}
		a.logger.Debug("closed database connections",
			slog.String(logger.KeyDatabase, name),
			slog.Int("terminated", terminated))
		return nil
	})
}

// terminate ends every session on name except the caller's own and returns
// how many were signalled.
func terminate(ctx context.Context, db *sql.DB, name string) (int, error) {
	rows, err := db.QueryContext(ctx, terminateQuery, name)
	if err != nil {
		return 0, MapError("close connections", name, err)
	}
	defer func() { _ = rows.Close() }()

	terminated := 0
	for rows.Next() {
		terminated++
	}
	if err := rows.Err(); err != nil {
		return terminated, MapError("close connections", name, err)
	}
	return terminated, nil
}

// DatabaseState reports the readiness of name.
func (a *Admin) DatabaseState(ctx context.Context, adminConn, name string) (State, error) {
	state := StateMissing
	err := a.withDB(ctx, "database state", name, adminConn, func(db *sql.DB) error {
		var err error
		state, err = queryState(ctx, db, name)
		return err
	})
	return state, err
}

func queryState(ctx context.Context, db *sql.DB, name string) (State, error) {
	var allowConn bool
	var connLimit int
	err := db.QueryRowContext(ctx, stateQuery, name).Scan(&allowConn, &connLimit)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return StateMissing, nil
	case err != nil:
		return StateMissing, MapError("database state", name, err)
	case connLimit == -2:
		return StateInvalid, nil
	case !allowConn:
		return StateRestricted, nil
	default:
		return StateOnline, nil
	}
}

// poll calls check every interval until it reports done, returns an error,
// or ctx ends.
func (a *Admin) poll(ctx context.Context, interval time.Duration, check func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = config.DefaultCreateDatabaseWaitMS * time.Millisecond
	}

	return retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if !done {
			return retry.RetryableError(errNotReady)
		}
		return nil
	})
}

var errNotReady = errors.New("database not ready")
