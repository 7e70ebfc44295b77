package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/phrazzld/dbtester/internal/ciutil"
	"github.com/phrazzld/dbtester/internal/platform/logger"
)

// PsqlRunner runs scripts with the psql command line client.
type PsqlRunner struct {
	path   string
	logger *slog.Logger
}

// NewPsqlRunner creates a runner that invokes the psql binary at path
// ("psql" resolves through PATH). If logger is nil, output is discarded.
func NewPsqlRunner(path string, log *slog.Logger) *PsqlRunner {
	if path == "" {
		path = "psql"
	}
	return &PsqlRunner{
		path:   path,
		logger: logger.OrDiscard(log).With(slog.String(logger.KeyComponent, "psql_runner")),
	}
}

// BuildArgs returns the psql arguments for s. Execution stops at the first
// failing statement so the exit code reflects it. The file is passed by name
// and resolved relative to s.Dir so \i includes work.
func BuildArgs(s Script) []string {
	args := []string{"-X", "-v", "ON_ERROR_STOP=1"}
	if s.ConnString != "" {
		args = append(args, "--dbname="+s.ConnString)
	} else {
		if s.Server != "" {
			args = append(args, "--host="+s.Server)
		}
		args = append(args, "--dbname="+s.Database)
	}
	return append(args, "--file="+s.File)
}

// Run executes s and returns psql's exit code.
func (r *PsqlRunner) Run(ctx context.Context, s Script) (int, error) {
	args := BuildArgs(s)
	command := describe(r.path, args)

	cmd := exec.CommandContext(ctx, r.path, args...)
	cmd.Dir = s.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	r.logger.Info("running script",
		slog.String(logger.KeyScript, s.Path()),
		slog.String(logger.KeyDatabase, s.Database),
		slog.String(logger.KeyServer, s.Server))

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", r.path, err)
	}

	// Pipes must be drained before Wait closes them.
	drainErr := drain(r.logger, command, stdout, stderr)
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return -1, fmt.Errorf("failed to run %s: %w", r.path, waitErr)
		}
		exitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return exitCode, fmt.Errorf("script %s interrupted: %w", s.Path(), ctx.Err())
		}
	}
	if drainErr != nil {
		r.logger.Warn("failed to read script output",
			slog.String(logger.KeyScript, s.Path()),
			slog.String(logger.KeyError, drainErr.Error()))
	}

	r.logger.Info("script completed",
		slog.String(logger.KeyScript, s.Path()),
		slog.Int(logger.KeyExitCode, exitCode))
	return exitCode, nil
}

// describe renders a command line for logs with credentials masked.
func describe(path string, args []string) string {
	masked := make([]string, 0, len(args)+1)
	masked = append(masked, path)
	for _, arg := range args {
		if value, ok := strings.CutPrefix(arg, "--dbname="); ok {
			arg = "--dbname=" + ciutil.MaskSensitiveValue(value)
		}
		masked = append(masked, arg)
	}
	return strings.Join(masked, " ")
}
