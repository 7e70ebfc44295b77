package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phrazzld/dbtester/internal/platform/logger"
)

// ExecRunner sends each script to the server in one simple-protocol request,
// which allows multiple statements per file. psql meta-commands are not
// supported.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates an in-process runner. If logger is nil, output is
// discarded.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{
		logger: logger.OrDiscard(log).With(slog.String(logger.KeyComponent, "exec_runner")),
	}
}

// Run executes s. A statement error yields exit code 1 and a nil error.
func (r *ExecRunner) Run(ctx context.Context, s Script) (int, error) {
	if s.ConnString == "" {
		return -1, errors.New("exec runner requires a connection string")
	}

	body, err := os.ReadFile(s.Path())
	if err != nil {
		return -1, fmt.Errorf("failed to read script: %w", err)
	}

	cfg, err := pgx.ParseConfig(s.ConnString)
	if err != nil {
		return -1, fmt.Errorf("invalid connection string: %w", err)
	}
	cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		r.logger.Info(n.Message, slog.String(logger.KeyScript, s.File))
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return -1, fmt.Errorf("failed to connect to %s: %w", s.Database, err)
	}
	defer func() {
		if closeErr := conn.Close(context.Background()); closeErr != nil {
			r.logger.Warn("failed to close connection", slog.String(logger.KeyError, closeErr.Error()))
		}
	}()

	r.logger.Info("running script",
		slog.String(logger.KeyScript, s.Path()),
		slog.String(logger.KeyDatabase, s.Database))

	results, err := conn.PgConn().Exec(ctx, string(body)).ReadAll()
	for _, res := range results {
		if res.Err == nil {
			r.logger.Debug(res.CommandTag.String(), slog.String(logger.KeyScript, s.File))
		}
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return -1, fmt.Errorf("failed to execute %s: %w", s.Path(), err)
		}
		r.logger.Error(pgErr.Error(),
			slog.String(logger.KeyScript, s.Path()),
			slog.Int("position", int(pgErr.Position)))
		return 1, nil
	}

	r.logger.Info("script completed",
		slog.String(logger.KeyScript, s.Path()),
		slog.Int(logger.KeyExitCode, 0))
	return 0, nil
}
