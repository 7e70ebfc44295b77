package script

import (
	"context"
	"path/filepath"
)

// Script identifies one SQL file and the database it runs against.
type Script struct {
	Server     string // Host the database lives on
	Database   string // Target database name
	Dir        string // Directory containing the file; also the working directory
	File       string // File name within Dir
	ConnString string // Full connection string for the target database
}

// Path returns the full path of the script file.
func (s Script) Path() string {
	return filepath.Join(s.Dir, s.File)
}

// Runner executes a script synchronously. Output is fully drained before Run
// returns.
type Runner interface {
	Run(ctx context.Context, s Script) (exitCode int, err error)
}
