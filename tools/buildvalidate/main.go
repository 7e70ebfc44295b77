// Command buildvalidate checks that code needing a live PostgreSQL server
// stays behind the integration build tag, so a plain `go test ./...` never
// tries to start containers.
package main

import (
	"fmt"
	"go/build/constraint"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const integrationTag = "integration"

// containerImports are packages that require a container runtime.
var containerImports = []string{
	"github.com/testcontainers/testcontainers-go",
	"github.com/phrazzld/dbtester/internal/testutils",
}

// fileInfo is what the scanner learns about one Go file.
type fileInfo struct {
	Path       string
	Constraint constraint.Expr
	Imports    []string
}

// integrationOnly reports whether the file is excluded from builds that do
// not set the integration tag.
func (f fileInfo) integrationOnly() bool {
	if f.Constraint == nil {
		return false
	}
	return !f.Constraint.Eval(func(tag string) bool { return tag != integrationTag })
}

func (f fileInfo) needsContainers() bool {
	for _, imp := range f.Imports {
		for _, prefix := range containerImports {
			if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// scanDirectory parses the build constraint and imports of every Go file
// under root, skipping vendor, .git and underscore-prefixed directories.
func scanDirectory(root string) ([]fileInfo, error) {
	var files []fileInfo
	fset := token.NewFileSet()

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "vendor" || name == ".git" || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly|parser.ParseComments)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		info := fileInfo{Path: path}
		for _, group := range f.Comments {
			if group.Pos() > f.Package {
				break
			}
			for _, c := range group.List {
				if constraint.IsGoBuild(c.Text) {
					expr, err := constraint.Parse(c.Text)
					if err != nil {
						return fmt.Errorf("invalid build constraint in %s: %w", path, err)
					}
					info.Constraint = expr
				}
			}
		}
		for _, imp := range f.Imports {
			p, err := strconv.Unquote(imp.Path.Value)
			if err == nil {
				info.Imports = append(info.Imports, p)
			}
		}
		files = append(files, info)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// findViolations returns one message per file that would pull container
// code into an untagged build.
func findViolations(files []fileInfo) []string {
	var issues []string
	for _, f := range files {
		if f.integrationOnly() {
			continue
		}
		switch {
		case strings.HasSuffix(f.Path, "_integration_test.go"):
			issues = append(issues, fmt.Sprintf("%s: integration test without //go:build %s", f.Path, integrationTag))
		case f.needsContainers():
			issues = append(issues, fmt.Sprintf("%s: imports container packages without //go:build %s", f.Path, integrationTag))
		}
	}
	return issues
}

// validateBuildTags scans rootDir and reports violations to w.
func validateBuildTags(rootDir string, w io.Writer) error {
	files, err := scanDirectory(rootDir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	issues := findViolations(files)
	if len(issues) > 0 {
		fmt.Fprintf(w, "Found %d build tag issues:\n", len(issues))
		for _, issue := range issues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
		return fmt.Errorf("build tag issues detected")
	}

	fmt.Fprintln(w, "Build tag validation passed")
	return nil
}

// listTaggedFiles writes every file carrying a build constraint to w.
func listTaggedFiles(rootDir string, w io.Writer) error {
	files, err := scanDirectory(rootDir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}
	for _, f := range files {
		if f.Constraint != nil {
			fmt.Fprintf(w, "%s: %s\n", f.Path, f.Constraint)
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: buildvalidate <validate|list> [directory]")
		os.Exit(2)
	}

	dir := "."
	if len(os.Args) > 2 {
		dir = os.Args[2]
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = validateBuildTags(dir, os.Stdout)
	case "list":
		err = listTaggedFiles(dir, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
