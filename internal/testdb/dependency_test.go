package testdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dbtester/internal/config"
	"github.com/phrazzld/dbtester/internal/dberrors"
)

// TestNestedDependenciesReverseInOrder covers two nested dependencies, each
// with a down script: both are recorded in application order and reversed
// newest first.
func TestNestedDependenciesReverseInOrder(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "RefA", "RefB")
	depA := h.dir(t, "Dependency-RefA", "up.sql", "down.sql")
	depB := h.dir(t, "Dependency-RefB", "up.sql", "seed.sql", "down.sql")
	ctx := context.Background()

	var seenA, seenB string
	result, err := h.tester.WithDependency(ctx, depA, func(ctx context.Context, a *Result) error {
		seenA = a.DatabaseName
		_, err := a.WithDependency(ctx, depB, func(_ context.Context, b *Result) error {
			seenB = b.DatabaseName
			return nil
		})
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, "RefA", seenA)
	assert.Equal(t, "RefB", seenB)
	assert.Empty(t, result.DatabaseName, "dependency names must not leak into the caller")
	assert.Equal(t, []string{depA}, result.CompletedMigrations)
	assert.Equal(t, []DownMigration{
		{ScriptPath: depA, DatabaseName: "RefA"},
		{ScriptPath: depB, DatabaseName: "RefB"},
	}, result.DownMigrations())

	before := len(h.rec.list())
	require.NoError(t, h.tester.ReverseDependencies(ctx, result))

	assert.Equal(t, []string{
		"run Dependency-RefB/down.sql on RefB",
		"run Dependency-RefA/down.sql on RefA",
	}, h.rec.list()[before:])
	assert.Empty(t, result.DownMigrations())
}

func TestChainedDependencies(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "RefA", "RefB")
	depA := h.dir(t, "Dependency-RefA", "up.sql", "down.sql")
	depB := h.dir(t, "Dependency-RefB", "up.sql", "down.sql")
	noDown := h.dir(t, "Dependency-RefB-extra", "up.sql")
	h.admin.databases["RefB-extra"] = true
	ctx := context.Background()

	result, err := h.tester.WithDependency(ctx, depA, nil)
	require.NoError(t, err)
	_, err = result.WithDependency(ctx, noDown, nil)
	require.NoError(t, err)
	_, err = result.WithDependency(ctx, depB, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{depA, noDown, depB}, result.CompletedMigrations)
	assert.Equal(t, []DownMigration{
		{ScriptPath: depA, DatabaseName: "RefA"},
		{ScriptPath: depB, DatabaseName: "RefB"},
	}, result.DownMigrations(), "only sets with a down script are recorded")
}

func TestWithDependencyFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("folder name", func(t *testing.T) {
		h := newHarness(t, []string{"up.sql"})
		path := h.dir(t, "Reference", "up.sql")

		_, err := h.tester.WithDependency(ctx, path, nil)

		assert.ErrorIs(t, err, dberrors.ErrFormat)
		assert.Contains(t, err.Error(), StageValidation)
	})

	t.Run("invalid directory", func(t *testing.T) {
		h := newHarness(t, []string{"up.sql"}, "Ref")
		path := h.dir(t, "Dependency-Ref", "down.sql")

		_, err := h.tester.WithDependency(ctx, path, nil)

		assert.ErrorIs(t, err, dberrors.ErrNotFound)
	})

	t.Run("missing database", func(t *testing.T) {
		h := newHarness(t, []string{"up.sql"})
		path := h.dir(t, "Dependency-Ref", "up.sql", "down.sql")

		result, err := h.tester.WithDependency(ctx, path, nil)

		assert.ErrorIs(t, err, dberrors.ErrDependency)
		assert.Contains(t, err.Error(), "'Ref' does not exist")
		assert.Empty(t, h.runner.scripts, "a missing dependency is never created or migrated")
		assert.Empty(t, result.DownMigrations())
	})

	t.Run("existence check failure", func(t *testing.T) {
		h := newHarness(t, []string{"up.sql"}, "Ref")
		h.admin.ExistsErr = errEngineDown
		path := h.dir(t, "Dependency-Ref", "up.sql")

		_, err := h.tester.WithDependency(ctx, path, nil)

		assert.ErrorIs(t, err, dberrors.ErrEngine)
		assert.Contains(t, err.Error(), StageCheckingDependency)
	})

	t.Run("migration failure records nothing", func(t *testing.T) {
		h := newHarness(t, []string{"up.sql"}, "Ref")
		path := h.dir(t, "Dependency-Ref", "up.sql", "down.sql")
		h.runner.ExitCodes["Dependency-Ref/up.sql"] = 1

		result, err := h.tester.WithDependency(ctx, path, nil)

		assert.ErrorIs(t, err, dberrors.ErrScript)
		assert.Contains(t, err.Error(), StageMigratingDatabase)
		assert.Empty(t, result.DownMigrations())
		assert.Empty(t, result.CompletedMigrations)
	})

	t.Run("test failure still records the down migration", func(t *testing.T) {
		h := newHarness(t, []string{"up.sql"}, "Ref")
		path := h.dir(t, "Dependency-Ref", "up.sql", "down.sql")
		testErr := errors.New("assertion failed")

		result, err := h.tester.WithDependency(ctx, path, func(context.Context, *Result) error {
			return testErr
		})

		assert.ErrorIs(t, err, testErr)
		assert.Len(t, result.DownMigrations(), 1)
	})
}

func TestWithDependencyLocking(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "Ref")
	h.reconfigure(func(*config.TesterConfig) {}, WithLocker(&fakeLocker{rec: h.rec}))
	path := h.dir(t, "Dependency-Ref", "up.sql", "seed.sql")

	_, err := h.tester.WithDependency(context.Background(), path, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"lock Ref",
		"run Dependency-Ref/up.sql on Ref",
		"run Dependency-Ref/seed.sql on Ref",
		"unlock Ref",
	}, h.rec.list())
}

func TestReverseDependenciesStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "RefA", "RefB")
	depA := h.dir(t, "Dependency-RefA", "up.sql", "down.sql")
	depB := h.dir(t, "Dependency-RefB", "up.sql", "down.sql")
	ctx := context.Background()

	result, err := h.tester.WithDependency(ctx, depA, nil)
	require.NoError(t, err)
	_, err = result.WithDependency(ctx, depB, nil)
	require.NoError(t, err)

	h.runner.ExitCodes["Dependency-RefB/down.sql"] = 1
	before := len(h.rec.list())

	err = h.tester.ReverseDependencies(ctx, result)

	require.Error(t, err)
	assert.ErrorIs(t, err, dberrors.ErrDependency)
	assert.ErrorIs(t, err, dberrors.ErrScript)
	assert.Contains(t, err.Error(), "Failed Down Migration '"+depB+"' to Database 'RefB'")
	assert.Equal(t, []string{"run Dependency-RefB/down.sql on RefB"}, h.rec.list()[before:],
		"no reversal is attempted after a failure")
	assert.Len(t, result.DownMigrations(), 2, "unreversed entries stay recorded")

	// Retrying after the failure is fixed completes the reversal.
	h.runner.ExitCodes["Dependency-RefB/down.sql"] = 0
	require.NoError(t, h.tester.ReverseDependencies(ctx, result))
	assert.Empty(t, result.DownMigrations())
}

func TestReverseDependenciesSkipsRemovedDownScripts(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "RefA", "RefB")
	depA := h.dir(t, "Dependency-RefA", "up.sql", "down.sql")
	depB := h.dir(t, "Dependency-RefB", "up.sql", "down.sql")
	ctx := context.Background()

	result, err := h.tester.WithDependency(ctx, depA, nil)
	require.NoError(t, err)
	_, err = result.WithDependency(ctx, depB, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(depB, "down.sql")))
	before := len(h.rec.list())

	require.NoError(t, h.tester.ReverseDependencies(ctx, result))

	assert.Equal(t, []string{"run Dependency-RefA/down.sql on RefA"}, h.rec.list()[before:])
}

func TestReverseDependenciesWithoutUpScript(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "RefA")
	depA := h.dir(t, "Dependency-RefA", "up.sql", "down.sql")
	ctx := context.Background()

	result, err := h.tester.WithDependency(ctx, depA, nil)
	require.NoError(t, err)
	require.NoError(t, os.Rename(filepath.Join(depA, "up.sql"), filepath.Join(depA, "up.sql.bak")))
	before := len(h.rec.list())

	require.NoError(t, h.tester.ReverseDependencies(ctx, result))

	assert.Equal(t, []string{"run Dependency-RefA/down.sql on RefA"}, h.rec.list()[before:])
	assert.Empty(t, result.DownMigrations())
}

func TestReverseDependenciesEmpty(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})
	assert.NoError(t, h.tester.ReverseDependencies(context.Background(), h.tester.NewResult()))
	assert.Empty(t, h.rec.list())
}

func TestRecordDownMigration(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})
	depA := h.dir(t, "Dependency-RefA", "up.sql", "down.sql")
	noDown := h.dir(t, "Dependency-RefB", "up.sql")
	badName := h.dir(t, "RefC", "up.sql", "down.sql")

	result := h.tester.NewResult()
	require.NoError(t, result.RecordDownMigration(depA))
	require.NoError(t, result.RecordDownMigration(noDown))
	assert.ErrorIs(t, result.RecordDownMigration(badName), dberrors.ErrFormat)

	assert.Equal(t, []DownMigration{{ScriptPath: depA, DatabaseName: "RefA"}}, result.DownMigrations())
	assert.Empty(t, h.rec.list(), "recording runs nothing")
}
