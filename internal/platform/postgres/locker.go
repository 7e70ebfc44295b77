package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/pressly/goose/v3/lock"

	"github.com/phrazzld/dbtester/internal/platform/logger"
)

// DependencyLocker serializes migrations against a shared dependency
// database. It holds a session-level advisory lock on a dedicated connection
// to that database for as long as the caller keeps the lock.
type DependencyLocker struct {
	logger *slog.Logger
}

// NewDependencyLocker creates a DependencyLocker. If logger is nil, log
// output is discarded.
func NewDependencyLocker(log *slog.Logger) *DependencyLocker {
	return &DependencyLocker{
		logger: logger.OrDiscard(log).With(slog.String(logger.KeyComponent, "dependency_locker")),
	}
}

// LockID derives the advisory lock key for a database name.
func LockID(database string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(database))
	return int64(h.Sum64())
}

// Lock blocks until the advisory lock for database is held on a connection
// opened with connString. The returned function releases the lock and closes
// the connection.
func (l *DependencyLocker) Lock(ctx context.Context, connString, database string) (func(context.Context) error, error) {
	locker, err := lock.NewPostgresSessionLocker(lock.WithLockID(LockID(database)))
	if err != nil {
		return nil, fmt.Errorf("failed to create session locker: %w", err)
	}

	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, MapError("lock dependency", database, err)
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, MapError("lock dependency", database, err)
	}

	l.logger.Debug("acquiring dependency lock", slog.String(logger.KeyDatabase, database))
	if err := locker.SessionLock(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, MapError("lock dependency", database, err)
	}
	l.logger.Debug("acquired dependency lock", slog.String(logger.KeyDatabase, database))

	unlock := func(ctx context.Context) error {
		unlockErr := locker.SessionUnlock(ctx, conn)
		closeErr := errors.Join(conn.Close(), db.Close())
		if unlockErr != nil {
			return MapError("unlock dependency", database, unlockErr)
		}
		return closeErr
	}
	return unlock, nil
}
