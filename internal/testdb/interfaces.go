package testdb

import "context"

// DatabaseAdmin performs administrative operations through a connection to
// the bootstrap database. postgres.Admin implements it.
type DatabaseAdmin interface {
	CreateDatabase(ctx context.Context, adminConn, name string) error
	DeleteDatabase(ctx context.Context, adminConn, name string) error
	DatabaseExists(ctx context.Context, adminConn, name string) (bool, error)
	CloseConnections(ctx context.Context, adminConn, name string) error
}

// Locker serializes work against a shared database. The returned function
// releases the lock. postgres.DependencyLocker implements it.
type Locker interface {
	Lock(ctx context.Context, connString, database string) (unlock func(context.Context) error, err error)
}

// SyntaxChecker statically checks SQL text and describes each error found.
type SyntaxChecker func(sql string) []string
