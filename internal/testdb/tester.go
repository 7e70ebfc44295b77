package testdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phrazzld/dbtester/internal/config"
	"github.com/phrazzld/dbtester/internal/dberrors"
	"github.com/phrazzld/dbtester/internal/migration"
	"github.com/phrazzld/dbtester/internal/platform/logger"
	"github.com/phrazzld/dbtester/internal/platform/postgres"
	"github.com/phrazzld/dbtester/internal/script"
)

// Stage labels attached to lifecycle failures.
const (
	StageValidation         = "Failed Validation"
	StageCreatingDatabase   = "Failed Creating Database"
	StageMigratingDatabase  = "Failed Migrating Database"
	StageSeedingDatabase    = "Failed Seeding Database"
	StageClosingConnections = "Failed Closing Database Connections"
	StageDeletingDatabase   = "Failed Deleting Database"
	StageCheckingDependency = "Failed Checking Dependency"
)

// teardownTimeout bounds cleanup that runs after the caller's context ended.
const teardownTimeout = 2 * time.Minute

// Tester orchestrates the lifecycle of test databases.
type Tester struct {
	cfg         config.TesterConfig
	admin       DatabaseAdmin
	runner      script.Runner
	logger      *slog.Logger
	now         func() time.Time
	locker      Locker
	checkSyntax SyntaxChecker
}

// Option configures a Tester.
type Option func(*Tester)

// WithClock replaces the clock used for database name timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tester) { t.now = now }
}

// WithLocker serializes dependency migrations through l.
func WithLocker(l Locker) Option {
	return func(t *Tester) { t.locker = l }
}

// WithSyntaxChecker replaces the checker applied to auxiliary files.
func WithSyntaxChecker(check SyntaxChecker) Option {
	return func(t *Tester) { t.checkSyntax = check }
}

// New creates a Tester. If logger is nil, log output is discarded.
func New(cfg config.TesterConfig, admin DatabaseAdmin, runner script.Runner, log *slog.Logger, opts ...Option) *Tester {
	t := &Tester{
		cfg:         cfg,
		admin:       admin,
		runner:      runner,
		logger:      logger.OrDiscard(log).With(slog.String(logger.KeyComponent, "tester")),
		now:         time.Now,
		checkSyntax: postgres.CheckSyntax,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Settings returns the configuration the Tester was created with.
func (t *Tester) Settings() config.TesterConfig {
	return t.cfg
}

// ValidateSettings checks that the Tester can run a session: task and
// template are present and well formed and the migration path is valid.
func (t *Tester) ValidateSettings() error {
	_, err := t.validate()
	return err
}

func (t *Tester) validate() (*migration.Set, error) {
	if t.cfg.Task == "" {
		return nil, fmt.Errorf("task is required: %w", dberrors.ErrConfiguration)
	}
	if t.cfg.ConnectionStringTemplate == "" {
		return nil, fmt.Errorf("connection string template is required: %w", dberrors.ErrConfiguration)
	}
	if err := config.ValidateTester(t.cfg); err != nil {
		return nil, err
	}
	if !strings.Contains(t.cfg.ConnectionStringTemplate, databaseNameTag) {
		return nil, fmt.Errorf("connection string template has no %s placeholder: %w",
			databaseNameTag, dberrors.ErrFormat)
	}
	return migration.Load(t.cfg.MigrationPath, "Migration Path")
}

// ValidateMigrationPath checks a migration directory. See migration.Validate.
func (t *Tester) ValidateMigrationPath(path, description string) error {
	return migration.Validate(path, description)
}

// DownMigrationPath returns the full path of down.sql in the configured
// migration directory, or "" when there is none.
func (t *Tester) DownMigrationPath() string {
	set, err := migration.Load(t.cfg.MigrationPath, "Migration Path")
	if err != nil {
		return ""
	}
	return set.DownPath()
}

// NewResult returns an empty chain root with no primary database.
func (t *Tester) NewResult() *Result {
	return &Result{tester: t, chain: &chain{}}
}

// Initialize validates settings, then creates, migrates and seeds a new
// database. If migrating or seeding fails the new database is dropped.
func (t *Tester) Initialize(ctx context.Context) (*Result, error) {
	set, err := t.validate()
	if err != nil {
		return nil, dberrors.NewStageError(StageValidation, err)
	}

	name, err := t.BuildDatabaseName()
	if err != nil {
		return nil, dberrors.NewStageError(StageValidation, err)
	}

	if err := t.createDatabase(ctx, name); err != nil {
		return nil, err
	}

	if err := t.apply(ctx, set, name); err != nil {
		cleanupCtx, cancel := teardownContext(ctx)
		defer cancel()
		if cleanupErr := t.Cleanup(cleanupCtx, name); cleanupErr != nil {
			return nil, errors.Join(err, cleanupErr)
		}
		return nil, err
	}

	result := t.NewResult()
	result.DatabaseName = name
	result.CompletedMigrations = []string{set.Path}
	return result, nil
}

func (t *Tester) createDatabase(ctx context.Context, name string) error {
	adminConn, err := t.adminConnString()
	if err != nil {
		return dberrors.NewStageError(StageCreatingDatabase, err)
	}

	t.logger.Info("creating test database", slog.String(logger.KeyDatabase, name))
	if err := t.admin.CreateDatabase(ctx, adminConn, name); err != nil {
		err = dberrors.NewStageError(StageCreatingDatabase, err)
		if postgres.IsDuplicateDatabase(err) {
			// The name belongs to someone else's database.
			return err
		}
		return errors.Join(err, t.dropPartial(ctx, adminConn, name))
	}
	return nil
}

// dropPartial removes name when a failed create left it behind, e.g. when
// ctx ended while waiting for it to come online.
func (t *Tester) dropPartial(ctx context.Context, adminConn, name string) error {
	ctx, cancel := teardownContext(ctx)
	defer cancel()

	exists, err := t.admin.DatabaseExists(ctx, adminConn, name)
	if err != nil {
		return fmt.Errorf("failed to check for partially created database %s: %w", name, err)
	}
	if !exists {
		return nil
	}

	t.logger.Warn("dropping partially created database", slog.String(logger.KeyDatabase, name))
	return t.Cleanup(ctx, name)
}

// apply migrates then seeds database with set, labelling failures by stage.
func (t *Tester) apply(ctx context.Context, set *migration.Set, database string) error {
	conn, err := t.BuildConnectionString(database, t.cfg.ApplicationName)
	if err != nil {
		return dberrors.NewStageError(StageMigratingDatabase, err)
	}
	if err := t.Migrate(ctx, set, conn, database); err != nil {
		return dberrors.NewStageError(StageMigratingDatabase, err)
	}
	if err := t.Seed(ctx, set, conn, database); err != nil {
		return dberrors.NewStageError(StageSeedingDatabase, err)
	}
	return nil
}

// Migrate syntax-checks every auxiliary file in set and, if all of them
// parse, runs up.sql against database. Nothing runs when a check fails.
func (t *Tester) Migrate(ctx context.Context, set *migration.Set, connString, database string) error {
	if err := t.checkAuxiliary(set); err != nil {
		return err
	}

	t.logger.Info("migrating database",
		slog.String(logger.KeyDatabase, database),
		slog.String(logger.KeyMigrationPath, set.Path))
	return t.runScript(ctx, set.Path, set.Up(), connString, database)
}

func (t *Tester) checkAuxiliary(set *migration.Set) error {
	failures := make(map[string][]string)
	for _, name := range set.AuxiliaryFiles() {
		body, err := os.ReadFile(filepath.Join(set.Path, name))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if errs := t.checkSyntax(string(body)); len(errs) > 0 {
			failures[name] = errs
		}
	}
	if len(failures) > 0 {
		return &dberrors.SyntaxError{Path: set.Path, Files: failures}
	}
	return nil
}

// Seed runs seed.sql against database. It does nothing when the set has no
// seed script.
func (t *Tester) Seed(ctx context.Context, set *migration.Set, connString, database string) error {
	if !set.HasSeed() {
		return nil
	}

	t.logger.Info("seeding database",
		slog.String(logger.KeyDatabase, database),
		slog.String(logger.KeyMigrationPath, set.Path))
	return t.runScript(ctx, set.Path, set.Seed(), connString, database)
}

// runScript executes file from dir. A non-zero exit code fails with
// dberrors.ErrScript unless IgnoreScriptExitCode is set.
func (t *Tester) runScript(ctx context.Context, dir, file, connString, database string) error {
	s := script.Script{
		Server:     serverFromConnString(connString),
		Database:   database,
		Dir:        dir,
		File:       file,
		ConnString: connString,
	}

	code, err := t.runner.Run(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", s.Path(), err)
	}
	if code == 0 {
		return nil
	}

	if t.cfg.IgnoreScriptExitCode {
		t.logger.Warn("script exited with non-zero code",
			slog.String(logger.KeyScript, s.Path()),
			slog.Int(logger.KeyExitCode, code))
		return nil
	}
	return fmt.Errorf("%s exited with code %d: %w", s.Path(), code, dberrors.ErrScript)
}

// Cleanup waits the configured grace period, closes all connections to
// database and drops it.
func (t *Tester) Cleanup(ctx context.Context, database string) error {
	if database == "" {
		return fmt.Errorf("database name is required for cleanup: %w", dberrors.ErrArgument)
	}

	adminConn, err := t.adminConnString()
	if err != nil {
		return dberrors.NewStageError(StageClosingConnections, err)
	}

	if err := sleep(ctx, t.cfg.CleanupGrace()); err != nil {
		return dberrors.NewStageError(StageClosingConnections, err)
	}

	t.logger.Info("cleaning up test database", slog.String(logger.KeyDatabase, database))
	if err := t.admin.CloseConnections(ctx, adminConn, database); err != nil {
		return dberrors.NewStageError(StageClosingConnections, err)
	}
	if err := t.admin.DeleteDatabase(ctx, adminConn, database); err != nil {
		return dberrors.NewStageError(StageDeletingDatabase, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// teardownContext detaches cleanup from a cancelled parent while keeping
// its values, so a test that timed out still drops its database.
func teardownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
}
