package testdb

import (
	"context"
	"errors"
	"testing"
)

// RunOption adjusts Run and ThenTest.
type RunOption func(*runOptions)

type runOptions struct {
	skipCleanup bool
	// onAbort reports teardown errors when the test function never returned,
	// e.g. after t.FailNow.
	onAbort func(error)
}

// SkipCleanup leaves the database and applied dependencies in place.
func SkipCleanup() RunOption {
	return func(o *runOptions) { o.skipCleanup = true }
}

func collectRunOptions(opts []RunOption) runOptions {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Run initializes a database, runs fn against it and tears everything down
// afterwards, even if fn fails or panics. Errors from fn and from teardown
// are joined so neither hides the other.
func (t *Tester) Run(ctx context.Context, fn TestFunc, opts ...RunOption) (result *Result, err error) {
	o := collectRunOptions(opts)

	result, err = t.Initialize(ctx)
	if err != nil {
		return nil, err
	}

	returned := false
	if !o.skipCleanup {
		defer func() {
			teardownErr := result.teardownDetached(ctx)
			if teardownErr != nil && !returned && o.onAbort != nil {
				o.onAbort(teardownErr)
			}
			err = errors.Join(err, teardownErr)
		}()
	}

	err = result.run(ctx, fn)
	returned = true
	return result, err
}

// Test runs fn inside a session bound to tb. Any session failure fails the
// test. fn may use tb freely, including tb.FailNow; teardown still runs.
func (t *Tester) Test(tb testing.TB, fn func(*Result), opts ...RunOption) *Result {
	tb.Helper()

	opts = append(opts, func(o *runOptions) {
		o.onAbort = func(err error) { tb.Errorf("test database teardown: %v", err) }
	})

	result, err := t.Run(context.Background(), func(_ context.Context, r *Result) error {
		if fn != nil {
			fn(r)
		}
		return nil
	}, opts...)
	if err != nil {
		tb.Fatalf("test database session: %v", err)
	}
	return result
}
