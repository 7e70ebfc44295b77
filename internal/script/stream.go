package script

import (
	"bufio"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/dbtester/internal/platform/logger"
)

// maxLineSize bounds a single line of tool output.
const maxLineSize = 1024 * 1024

// drain logs stdout lines at info and stderr lines at error until both
// readers are exhausted.
func drain(log *slog.Logger, command string, stdout, stderr io.Reader) error {
	var g errgroup.Group
	g.Go(func() error {
		return scanLines(stdout, func(line string) {
			log.Info(line, slog.String(logger.KeyCommand, command))
		})
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			log.Error(line, slog.String(logger.KeyCommand, command))
		})
	})
	return g.Wait()
}

func scanLines(r io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			emit(line)
		}
	}
	return scanner.Err()
}
