package testdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dbtester/internal/dberrors"
)

func TestRunTearsDown(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})

	var name string
	result, err := h.tester.Run(context.Background(), func(_ context.Context, r *Result) error {
		name = r.DatabaseName
		assert.True(t, h.admin.databases[name], "database exists while the test runs")
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, h.admin.databases[name], "database is dropped afterwards")
	assert.Empty(t, result.DatabaseName)
	calls := h.rec.list()
	assert.Equal(t, "delete "+name, calls[len(calls)-1])
}

func TestRunJoinsTestAndTeardownErrors(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})
	h.admin.DeleteErr = errEngineDown
	testErr := errors.New("expected 3 rows, got 2")

	_, err := h.tester.Run(context.Background(), func(context.Context, *Result) error {
		return testErr
	})

	assert.ErrorIs(t, err, testErr, "a teardown failure must not hide the test failure")
	assert.ErrorIs(t, err, dberrors.ErrEngine)
	assert.Contains(t, err.Error(), StageDeletingDatabase)
}

func TestRunTearsDownAfterPanic(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})

	var name string
	func() {
		defer func() {
			assert.Equal(t, "boom", recover())
		}()
		_, _ = h.tester.Run(context.Background(), func(_ context.Context, r *Result) error {
			name = r.DatabaseName
			panic("boom")
		})
	}()

	require.NotEmpty(t, name)
	assert.False(t, h.admin.databases[name])
}

func TestRunSkipCleanup(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})

	result, err := h.tester.Run(context.Background(), nil, SkipCleanup())

	require.NoError(t, err)
	assert.True(t, h.admin.databases[result.DatabaseName])
	for _, call := range h.rec.list() {
		assert.NotContains(t, call, "delete")
	}
}

func TestRunReversesDependenciesAfterCleanup(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "Ref")
	dep := h.dir(t, "Dependency-Ref", "up.sql", "down.sql")
	h.admin.DeleteErr = errEngineDown

	_, err := h.tester.Run(context.Background(), func(ctx context.Context, r *Result) error {
		_, err := r.WithDependency(ctx, dep, nil)
		return err
	})

	require.Error(t, err)
	calls := h.rec.list()
	assert.Equal(t, "run Dependency-Ref/down.sql on Ref", calls[len(calls)-1],
		"dependencies are reversed even when dropping the database fails")
}

func TestRunInitializeFailure(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})
	h.admin.CreateErr = errEngineDown
	called := false

	result, err := h.tester.Run(context.Background(), func(context.Context, *Result) error {
		called = true
		return nil
	})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, dberrors.ErrEngine)
	assert.False(t, called)
}

func TestThenTestInterruptedCreateLeavesNothing(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})
	feature := h.dir(t, "Feature", "up.sql")
	h.admin.CreateErr = context.DeadlineExceeded
	h.admin.CreateLeaves = true

	_, err := h.tester.NewResult().ThenTest(context.Background(), feature, func(context.Context, *Result) error {
		t.Fatal("test function must not run")
		return nil
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.admin.databases)
}

func TestThenTestCreatesAndTearsDownOnce(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})
	second := h.dir(t, "Feature", "up.sql", "seed.sql")
	third := h.dir(t, "Feature2", "up.sql")
	ctx := context.Background()

	var name string
	result, err := h.tester.NewResult().ThenTest(ctx, second, func(ctx context.Context, r *Result) error {
		name = r.DatabaseName
		_, err := r.ThenTest(ctx, third, func(_ context.Context, inner *Result) error {
			assert.Equal(t, name, inner.DatabaseName, "ThenTest targets the same database")
			return nil
		})
		assert.True(t, h.admin.databases[name], "nested ThenTest must not tear down")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, []string{second, third}, result.CompletedMigrations)
	assert.Equal(t, []string{
		"create " + name,
		"run Feature/up.sql on " + name,
		"run Feature/seed.sql on " + name,
		"run Feature2/up.sql on " + name,
		"close " + name,
		"delete " + name,
	}, h.rec.list())
}

func TestThenTestAfterDependency(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "Ref")
	dep := h.dir(t, "Dependency-Ref", "up.sql", "down.sql")
	feature := h.dir(t, "Feature", "up.sql")
	ctx := context.Background()

	result, err := h.tester.WithDependency(ctx, dep, nil)
	require.NoError(t, err)
	_, err = result.ThenTest(ctx, feature, nil)
	require.NoError(t, err)

	calls := h.rec.list()
	assert.Equal(t, "run Dependency-Ref/down.sql on Ref", calls[len(calls)-1])
	assert.Empty(t, result.DownMigrations())
	assert.Empty(t, result.DatabaseName)
	assert.Equal(t, []string{dep, feature}, result.CompletedMigrations)
}

func TestThenTestValidationFailureStillReverses(t *testing.T) {
	h := newHarness(t, []string{"up.sql"}, "Ref")
	dep := h.dir(t, "Dependency-Ref", "up.sql", "down.sql")
	ctx := context.Background()

	result, err := h.tester.WithDependency(ctx, dep, nil)
	require.NoError(t, err)

	_, err = result.ThenTest(ctx, "", nil)

	assert.ErrorIs(t, err, dberrors.ErrArgument)
	assert.Contains(t, err.Error(), StageValidation)
	assert.Empty(t, result.DownMigrations(), "dependencies applied earlier are still reversed")
}

func TestThenTestSkipCleanup(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})
	feature := h.dir(t, "Feature", "up.sql")

	result, err := h.tester.NewResult().ThenTest(context.Background(), feature, nil, SkipCleanup())

	require.NoError(t, err)
	assert.True(t, h.admin.databases[result.DatabaseName])

	require.NoError(t, result.Teardown(context.Background()))
	assert.Empty(t, h.admin.databases)
	assert.NoError(t, result.Teardown(context.Background()), "teardown is idempotent")
}

func TestTestHelper(t *testing.T) {
	h := newHarness(t, []string{"up.sql"})

	var name string
	h.tester.Test(t, func(r *Result) {
		name = r.DatabaseName
		conn, err := r.ConnString()
		require.NoError(t, err)
		assert.Contains(t, conn, name)
	})

	assert.NotEmpty(t, name)
	assert.False(t, h.admin.databases[name])
}
