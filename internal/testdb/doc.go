// Package testdb provisions disposable PostgreSQL databases for tests.
//
// A Tester drives one test session: it validates its settings, creates a
// uniquely named database, applies the migration directory's up.sql and
// seed.sql, runs the caller's test function and tears everything down again,
// whether or not the test function succeeded.
//
// # Basic Usage
//
//	tester := testdb.New(cfg.Tester, admin, runner, log)
//	_, err := tester.Run(ctx, func(ctx context.Context, r *testdb.Result) error {
//	    db, err := sql.Open("pgx", r.ConnString())
//	    ...
//	})
//
// # Dependencies
//
// Some tests need migrations applied to a database they do not own, such as
// a shared reference database. A directory named Dependency-<name> targets
// the existing database <name>:
//
//	_, err := tester.WithDependency(ctx, "migrations/Dependency-Reference", nil)
//	...
//	_, err = result.ThenTest(ctx, "migrations/Feature", testFn)
//
// Every dependency with a down.sql is recorded when it is applied. Teardown
// runs the recorded down scripts newest first, so a dependency database is
// returned to the state it was in before the test.
//
// A Result must not be shared between goroutines. Separate Testers may run
// in parallel because every generated database name is unique.
package testdb
