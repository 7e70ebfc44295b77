package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/phrazzld/dbtester/internal/config"
	"github.com/phrazzld/dbtester/internal/platform/logger"
	"github.com/phrazzld/dbtester/internal/platform/postgres"
	"github.com/phrazzld/dbtester/internal/script"
	"github.com/phrazzld/dbtester/internal/testdb"
)

// run builds the CLI application and executes it with args.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app := &cli.App{
		Name:      "dbtester",
		Usage:     "provision disposable PostgreSQL databases for tests",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a yaml, json or toml config file",
				EnvVars: []string{"DBTESTER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides config)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "json, text or console (overrides config)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "bound every database wait; 0 waits indefinitely",
			},
			&cli.StringFlag{
				Name:  "task",
				Usage: "database name prefix (overrides config)",
			},
		},
		Commands: []*cli.Command{
			nameCommand(),
			checkCommand(),
			provisionCommand(),
			cleanupCommand(),
			runCommand(),
			reverseCommand(),
		},
	}

	return app.RunContext(ctx, args)
}

// env holds the components wired for one command invocation.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	tester *testdb.Tester
	stdout io.Writer
	stderr io.Writer
}

// pathFlag overrides the configured migration path.
var pathFlag = &cli.StringFlag{
	Name:    "path",
	Aliases: []string{"p"},
	Usage:   "migration directory (overrides config)",
}

// newEnv loads configuration, applies flag overrides and wires the tester.
func newEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := c.String("task"); v != "" {
		cfg.Tester.Task = v
	}
	if v := c.String("path"); v != "" {
		cfg.Tester.MigrationPath = v
	}

	stdout, stderr := c.App.Writer, c.App.ErrWriter
	log, err := logger.Setup(cfg.Log, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	runner, err := newRunner(cfg.Runner, log)
	if err != nil {
		return nil, err
	}

	var opts []testdb.Option
	if cfg.Tester.LockDependencies {
		opts = append(opts, testdb.WithLocker(postgres.NewDependencyLocker(log)))
	}

	admin := postgres.NewAdmin(cfg.Tester.Wait, log)
	return &env{
		cfg:    cfg,
		logger: log,
		tester: testdb.New(cfg.Tester, admin, runner, log, opts...),
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// newRunner selects the script runner named by cfg.Kind.
func newRunner(cfg config.RunnerConfig, log *slog.Logger) (script.Runner, error) {
	switch cfg.Kind {
	case config.RunnerPsql, "":
		return script.NewPsqlRunner(cfg.PsqlPath, log), nil
	case config.RunnerExec:
		return script.NewExecRunner(log), nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", cfg.Kind)
	}
}

// commandContext applies the global --timeout to the command's context.
func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	if d := c.Duration("timeout"); d > 0 {
		return context.WithTimeout(c.Context, d)
	}
	return context.WithCancel(c.Context)
}
