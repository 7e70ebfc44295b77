// Package postgres implements the administrative side of test database
// provisioning against PostgreSQL.
//
// Admin creates, drops and inspects databases through an administrative
// connection to the bootstrap "postgres" database. Creation and deletion
// block until the catalog reflects the change, polling at the configured
// interval for as long as the caller's context allows. Every failure is an
// *EngineError, which matches dberrors.ErrEngine and keeps the driver error
// as its cause.
//
// CheckSyntax parses SQL text with libpg_query without executing it, and
// DependencyLocker serializes migrations against shared dependency databases
// with a session-level advisory lock.
package postgres
