package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/phrazzld/dbtester/internal/ciutil"
	"github.com/phrazzld/dbtester/internal/dberrors"
	"github.com/phrazzld/dbtester/internal/migration"
	"github.com/phrazzld/dbtester/internal/platform/logger"
	"github.com/phrazzld/dbtester/internal/platform/postgres"
	"github.com/phrazzld/dbtester/internal/testdb"
)

var dependencyFlag = &cli.StringSliceFlag{
	Name:    "dependency",
	Aliases: []string{"d"},
	Usage:   "Dependency-<name> directory to apply to the existing database <name> (repeatable)",
}

func nameCommand() *cli.Command {
	return &cli.Command{
		Name:  "name",
		Usage: "print a newly generated database name",
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			name, err := e.tester.BuildDatabaseName()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(e.stdout, name)
			return err
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "validate a migration directory and syntax-check every .sql file in it",
		Flags: []cli.Flag{pathFlag},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return checkMigration(e, e.cfg.Tester.MigrationPath)
		},
	}
}

// checkMigration reports syntax errors in every .sql file of path,
// including up, seed and down.
func checkMigration(e *env, path string) error {
	set, err := migration.Load(path, "Migration Path")
	if err != nil {
		return err
	}

	failures := make(map[string][]string)
	for _, name := range set.SQLFiles() {
		body, err := os.ReadFile(filepath.Join(set.Path, name))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if errs := postgres.CheckSyntax(string(body)); len(errs) > 0 {
			failures[name] = errs
			for _, msg := range errs {
				fmt.Fprintf(e.stdout, "%s: %s\n", name, msg)
			}
		}
	}
	if len(failures) > 0 {
		return &dberrors.SyntaxError{Path: set.Path, Files: failures}
	}

	_, err = fmt.Fprintf(e.stdout, "%s: ok (%d files)\n", set.Path, len(set.SQLFiles()))
	return err
}

func provisionCommand() *cli.Command {
	return &cli.Command{
		Name:  "provision",
		Usage: "create, migrate and seed a database and leave it in place",
		Flags: []cli.Flag{pathFlag},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(c)
			defer cancel()

			result, err := e.tester.Initialize(ctx)
			if err != nil {
				return err
			}
			conn, err := result.ConnString()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.stdout, "%s=%s\n%s=%s\n",
				ciutil.EnvDatabaseName, result.DatabaseName, ciutil.EnvDatabaseURL, conn)
			return err
		},
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "close connections to a database and drop it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database", Usage: "database to drop", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(c)
			defer cancel()

			return e.tester.Cleanup(ctx, c.String("database"))
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "provision a database, run a command against it, then tear down",
		ArgsUsage: "-- COMMAND [ARGS...]",
		Flags: []cli.Flag{
			pathFlag,
			dependencyFlag,
			&cli.BoolFlag{Name: "keep", Usage: "leave the database and dependencies in place"},
		},
		Action: func(c *cli.Context) error {
			argv := c.Args().Slice()
			if len(argv) == 0 {
				return fmt.Errorf("a command to run is required: %w", dberrors.ErrArgument)
			}

			e, err := newEnv(c)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(c)
			defer cancel()

			var opts []testdb.RunOption
			if c.Bool("keep") {
				opts = append(opts, testdb.SkipCleanup())
			}

			result, err := e.tester.Run(ctx, func(ctx context.Context, r *testdb.Result) error {
				return withDependencies(ctx, r, c.StringSlice("dependency"), func(ctx context.Context) error {
					return execCommand(ctx, e, r, argv)
				})
			}, opts...)
			if err == nil && c.Bool("keep") {
				fmt.Fprintf(e.stderr, "kept database %s\n", result.DatabaseName)
			}
			return err
		},
	}
}

// withDependencies applies each dependency in order, nesting them so the
// innermost runs fn, and records their down migrations on r.
func withDependencies(ctx context.Context, r *testdb.Result, deps []string, fn func(context.Context) error) error {
	if len(deps) == 0 {
		return fn(ctx)
	}
	_, err := r.WithDependency(ctx, deps[0], func(ctx context.Context, _ *testdb.Result) error {
		return withDependencies(ctx, r, deps[1:], fn)
	})
	return err
}

// execCommand runs argv with the database exported through the environment.
func execCommand(ctx context.Context, e *env, r *testdb.Result, argv []string) error {
	conn, err := r.ConnString()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		ciutil.EnvDatabaseURL+"="+conn,
		ciutil.EnvDatabaseName+"="+r.DatabaseName,
	)
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr

	e.logger.Info("running command",
		slog.String(logger.KeyCommand, argv[0]),
		slog.String(logger.KeyDatabase, r.DatabaseName))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			e.logger.Error("command failed",
				slog.String(logger.KeyCommand, argv[0]),
				slog.Int(logger.KeyExitCode, exitErr.ExitCode()))
			return fmt.Errorf("%s exited with code %d", argv[0], exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
	return nil
}

func reverseCommand() *cli.Command {
	return &cli.Command{
		Name:  "reverse",
		Usage: "run down.sql of each dependency directory, last given first",
		Flags: []cli.Flag{dependencyFlag},
		Action: func(c *cli.Context) error {
			deps := c.StringSlice("dependency")
			if len(deps) == 0 {
				return fmt.Errorf("at least one --dependency is required: %w", dberrors.ErrArgument)
			}

			e, err := newEnv(c)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(c)
			defer cancel()

			result := e.tester.NewResult()
			for _, dep := range deps {
				if err := result.RecordDownMigration(dep); err != nil {
					return err
				}
			}
			return e.tester.ReverseDependencies(ctx, result)
		},
	}
}
