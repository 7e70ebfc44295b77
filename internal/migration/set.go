package migration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/phrazzld/dbtester/internal/dberrors"
)

// Recognized script names. Lookups ignore case.
const (
	UpFile   = "up.sql"
	SeedFile = "seed.sql"
	DownFile = "down.sql"

	sqlExt = ".sql"
)

var dependencyFolder = regexp.MustCompile(`^Dependency-(.+)$`)

// Set is one loaded migration directory.
type Set struct {
	// Path is the directory the set was loaded from.
	Path string

	// files maps lower-cased file names to their name on disk.
	files map[string]string
}

// Validate checks that path is a usable migration directory. Checks run in
// a fixed order and the first failure is returned:
//
//  1. empty path: dberrors.ErrEmptyPath
//  2. missing directory: dberrors.ErrNotFound
//  3. directory without files: dberrors.ErrNotFound ("empty directory")
//  4. no up.sql: dberrors.ErrNotFound
//
// description names the path in error messages, e.g. "Migration Path".
func Validate(path, description string) error {
	_, err := Load(path, description)
	return err
}

// Load validates path and returns the set it describes.
func Load(path, description string) (*Set, error) {
	if description == "" {
		description = "Migration Path"
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%s: %w", description, dberrors.ErrEmptyPath)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s '%s' does not exist: %w", description, path, dberrors.ErrNotFound)
		}
		// A regular file in place of a directory surfaces here as well.
		return nil, fmt.Errorf("%s '%s' is not a readable directory: %w: %v", description, path, dberrors.ErrNotFound, err)
	}

	set := &Set{Path: path, files: make(map[string]string)}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		set.files[strings.ToLower(entry.Name())] = entry.Name()
	}

	if len(set.files) == 0 {
		return nil, fmt.Errorf("%s '%s' is an empty directory: %w", description, path, dberrors.ErrNotFound)
	}
	if !set.has(UpFile) {
		return nil, fmt.Errorf("%s '%s' is missing %s: %w", description, path, UpFile, dberrors.ErrNotFound)
	}

	return set, nil
}

func (s *Set) has(name string) bool {
	_, ok := s.files[strings.ToLower(name)]
	return ok
}

// file returns the on-disk name of a recognized script, or "".
func (s *Set) file(name string) string {
	return s.files[strings.ToLower(name)]
}

// Up returns the on-disk name of the up script.
func (s *Set) Up() string { return s.file(UpFile) }

// Seed returns the on-disk name of the seed script, or "" when absent.
func (s *Set) Seed() string { return s.file(SeedFile) }

// Down returns the on-disk name of the down script, or "" when absent.
func (s *Set) Down() string { return s.file(DownFile) }

// HasSeed reports whether the set contains seed.sql.
func (s *Set) HasSeed() bool { return s.has(SeedFile) }

// HasDown reports whether the set contains down.sql.
func (s *Set) HasDown() bool { return s.has(DownFile) }

// DownPath returns the full path of down.sql, or "" when absent.
func (s *Set) DownPath() string {
	if !s.HasDown() {
		return ""
	}
	return filepath.Join(s.Path, s.Down())
}

// AuxiliaryFiles returns every .sql file other than up, seed and down,
// sorted by name.
func (s *Set) AuxiliaryFiles() []string {
	var aux []string
	for lower, name := range s.files {
		if filepath.Ext(lower) != sqlExt {
			continue
		}
		switch lower {
		case UpFile, SeedFile, DownFile:
			continue
		}
		aux = append(aux, name)
	}
	sort.Strings(aux)
	return aux
}

// SQLFiles returns every .sql file in the set, sorted by name.
func (s *Set) SQLFiles() []string {
	var all []string
	for lower, name := range s.files {
		if filepath.Ext(lower) == sqlExt {
			all = append(all, name)
		}
	}
	sort.Strings(all)
	return all
}

// FindDownScript returns the on-disk name of down.sql in the directory at
// path, matching case-insensitively. Unlike Load it does not require up.sql,
// so a dependency can still be reversed after its other files changed.
func FindDownScript(path string) (string, bool) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.EqualFold(entry.Name(), DownFile) {
			return entry.Name(), true
		}
	}
	return "", false
}

// HasDownScript reports whether the directory at path still contains
// down.sql. Unreadable directories report false.
func HasDownScript(path string) bool {
	_, ok := FindDownScript(path)
	return ok
}

// DependencyDatabaseName returns the database targeted by a dependency
// directory named Dependency-<name>.
func DependencyDatabaseName(path string) (string, error) {
	folder := filepath.Base(filepath.Clean(path))
	match := dependencyFolder.FindStringSubmatch(folder)
	if match == nil {
		return "", fmt.Errorf("dependency folder '%s' must be named Dependency-<DatabaseName>: %w",
			folder, dberrors.ErrFormat)
	}
	return match[1], nil
}
