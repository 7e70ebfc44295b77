package testdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/phrazzld/dbtester/internal/dberrors"
	"github.com/phrazzld/dbtester/internal/migration"
	"github.com/phrazzld/dbtester/internal/platform/logger"
)

// DownMigration records a migration directory with a down.sql that was
// applied to DatabaseName.
type DownMigration struct {
	ScriptPath   string
	DatabaseName string
}

// chain is the state shared by a Result and every copy handed to nested
// dependency actions.
type chain struct {
	// down is a stack of applied dependencies in application order.
	down []DownMigration
	// depth counts test functions currently running on this chain.
	depth int
}

func (c *chain) push(m DownMigration) {
	c.down = append(c.down, m)
}

// Result is threaded through a session and its dependency chain.
type Result struct {
	// DatabaseName is the primary database, or "" before one is created.
	DatabaseName string
	// CompletedMigrations lists applied migration paths in order.
	CompletedMigrations []string

	tester *Tester
	chain  *chain
}

// TestFunc is the test logic run against a prepared result.
type TestFunc func(ctx context.Context, r *Result) error

// Tester returns the Tester that owns the result.
func (r *Result) Tester() *Tester {
	return r.tester
}

// ConnString returns the connection string for DatabaseName.
func (r *Result) ConnString() (string, error) {
	return r.tester.BuildConnectionString(r.DatabaseName, r.tester.cfg.ApplicationName)
}

// DownMigrations returns the recorded down migrations, oldest first.
func (r *Result) DownMigrations() []DownMigration {
	return slices.Clone(r.chain.down)
}

// run invokes fn inside a scope so nested ThenTest calls know they are not
// the outermost and leave teardown to the enclosing call.
func (r *Result) run(ctx context.Context, fn TestFunc) error {
	if fn == nil {
		return nil
	}
	r.chain.depth++
	defer func() { r.chain.depth-- }()
	return fn(ctx, r)
}

// scopedTo returns a copy targeting database that shares the down stack.
func (r *Result) scopedTo(database string) *Result {
	return &Result{
		DatabaseName:        database,
		CompletedMigrations: slices.Clone(r.CompletedMigrations),
		tester:              r.tester,
		chain:               r.chain,
	}
}

// WithDependency starts a chain by applying a Dependency-<name> directory to
// the existing database <name>. See Result.WithDependency.
func (t *Tester) WithDependency(ctx context.Context, migrationPath string, fn TestFunc) (*Result, error) {
	return t.NewResult().WithDependency(ctx, migrationPath, fn)
}

// WithDependency applies the Dependency-<name> directory at migrationPath to
// the existing database <name>, then runs fn with a copy of r scoped to that
// database. It never creates the dependency database.
//
// When the directory has a down.sql the application is recorded on r's
// stack before fn runs, so Teardown reverses it even if fn fails.
func (r *Result) WithDependency(ctx context.Context, migrationPath string, fn TestFunc) (*Result, error) {
	t := r.tester

	set, err := migration.Load(migrationPath, "Dependency Path")
	if err != nil {
		return r, dberrors.NewStageError(StageValidation, err)
	}
	database, err := migration.DependencyDatabaseName(migrationPath)
	if err != nil {
		return r, dberrors.NewStageError(StageValidation, err)
	}

	adminConn, err := t.adminConnString()
	if err != nil {
		return r, dberrors.NewStageError(StageCheckingDependency, err)
	}
	exists, err := t.admin.DatabaseExists(ctx, adminConn, database)
	if err != nil {
		return r, dberrors.NewStageError(StageCheckingDependency, err)
	}
	if !exists {
		return r, fmt.Errorf("database '%s' does not exist: %w", database, dberrors.ErrDependency)
	}

	t.logger.Info("applying dependency",
		slog.String(logger.KeyDatabase, database),
		slog.String(logger.KeyMigrationPath, migrationPath))

	if err := t.applyLocked(ctx, set, database); err != nil {
		return r, err
	}

	r.CompletedMigrations = append(r.CompletedMigrations, migrationPath)
	if set.HasDown() {
		r.chain.push(DownMigration{ScriptPath: migrationPath, DatabaseName: database})
	}

	return r, r.scopedTo(database).run(ctx, fn)
}

// applyLocked applies set to database, holding the dependency lock when a
// Locker is configured.
func (t *Tester) applyLocked(ctx context.Context, set *migration.Set, database string) (err error) {
	if t.locker == nil {
		return t.apply(ctx, set, database)
	}

	conn, err := t.BuildConnectionString(database, t.cfg.ApplicationName)
	if err != nil {
		return dberrors.NewStageError(StageMigratingDatabase, err)
	}
	unlock, err := t.locker.Lock(ctx, conn, database)
	if err != nil {
		return dberrors.NewStageError(StageMigratingDatabase, err)
	}
	defer func() {
		if unlockErr := unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release lock on %s: %w", database, unlockErr))
		}
	}()

	return t.apply(ctx, set, database)
}

// ThenTest applies the directory at migrationPath to the primary database,
// creating it first when the chain has none, and runs fn against r.
//
// Teardown runs once, when the outermost ThenTest returns, unless
// SkipCleanup is given. ThenTest calls made from inside another test
// function leave teardown to the enclosing call.
func (r *Result) ThenTest(ctx context.Context, migrationPath string, fn TestFunc, opts ...RunOption) (result *Result, err error) {
	t := r.tester
	o := collectRunOptions(opts)

	if r.chain.depth == 0 && !o.skipCleanup {
		defer func() {
			err = errors.Join(err, r.teardownDetached(ctx))
		}()
	}

	set, err := migration.Load(migrationPath, "Migration Path")
	if err != nil {
		return r, dberrors.NewStageError(StageValidation, err)
	}

	if r.DatabaseName == "" {
		name, err := t.BuildDatabaseName()
		if err != nil {
			return r, dberrors.NewStageError(StageValidation, err)
		}
		if err := t.createDatabase(ctx, name); err != nil {
			return r, err
		}
		r.DatabaseName = name
	}

	if err := t.apply(ctx, set, r.DatabaseName); err != nil {
		return r, err
	}
	r.CompletedMigrations = append(r.CompletedMigrations, migrationPath)

	return r, r.run(ctx, fn)
}

// Teardown drops the primary database, if any, then reverses every recorded
// dependency. Reversal runs even when dropping fails. A second Teardown is a
// no-op.
func (r *Result) Teardown(ctx context.Context) error {
	var errs []error
	if r.DatabaseName != "" {
		if err := r.tester.Cleanup(ctx, r.DatabaseName); err != nil {
			errs = append(errs, err)
		} else {
			r.DatabaseName = ""
		}
	}
	if err := r.tester.ReverseDependencies(ctx, r); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Result) teardownDetached(ctx context.Context) error {
	ctx, cancel := teardownContext(ctx)
	defer cancel()
	return r.Teardown(ctx)
}

// ReverseDependencies runs the down.sql of every recorded dependency, newest
// first. Entries whose directory no longer has a down.sql are discarded. The
// first failure stops the reversal; entries not yet reversed stay recorded.
func (t *Tester) ReverseDependencies(ctx context.Context, r *Result) error {
	c := r.chain
	if len(c.down) == 0 {
		return nil
	}

	c.down = slices.DeleteFunc(c.down, func(m DownMigration) bool {
		if migration.HasDownScript(m.ScriptPath) {
			return false
		}
		t.logger.Warn("down script no longer present, skipping",
			slog.String(logger.KeyMigrationPath, m.ScriptPath),
			slog.String(logger.KeyDatabase, m.DatabaseName))
		return true
	})

	for len(c.down) > 0 {
		m := c.down[len(c.down)-1]
		if err := t.reverse(ctx, m); err != nil {
			stage := fmt.Sprintf("Failed Down Migration '%s' to Database '%s'", m.ScriptPath, m.DatabaseName)
			return dberrors.NewStageError(stage, fmt.Errorf("%w: %w", dberrors.ErrDependency, err))
		}
		c.down = c.down[:len(c.down)-1]
	}
	return nil
}

func (t *Tester) reverse(ctx context.Context, m DownMigration) error {
	down, ok := migration.FindDownScript(m.ScriptPath)
	if !ok {
		return fmt.Errorf("%s in '%s': %w", migration.DownFile, m.ScriptPath, dberrors.ErrNotFound)
	}
	conn, err := t.BuildConnectionString(m.DatabaseName, t.cfg.ApplicationName)
	if err != nil {
		return err
	}

	t.logger.Info("reversing dependency",
		slog.String(logger.KeyDatabase, m.DatabaseName),
		slog.String(logger.KeyMigrationPath, m.ScriptPath))
	return t.runScript(ctx, m.ScriptPath, down, conn, m.DatabaseName)
}

// RecordDownMigration records the Dependency-<name> directory at
// migrationPath as if it had been applied, so a later teardown reverses it.
// Directories without a down.sql are accepted and ignored. It is intended for
// recovering from an interrupted session.
func (r *Result) RecordDownMigration(migrationPath string) error {
	set, err := migration.Load(migrationPath, "Dependency Path")
	if err != nil {
		return err
	}
	database, err := migration.DependencyDatabaseName(migrationPath)
	if err != nil {
		return err
	}
	if set.HasDown() {
		r.chain.push(DownMigration{ScriptPath: migrationPath, DatabaseName: database})
	}
	return nil
}
