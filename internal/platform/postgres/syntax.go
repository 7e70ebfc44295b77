package postgres

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/pganalyze/pg_query_go/v6/parser"
)

// CheckSyntax parses sql without executing it and returns a description of
// each syntax error found, formatted "line L, column C: message". A nil
// result means the text parsed cleanly. The parser stops at the first error,
// so at most one description is returned.
func CheckSyntax(sql string) []string {
	if strings.TrimSpace(sql) == "" {
		return nil
	}

	if _, err := pg_query.Parse(sql); err != nil {
		return []string{describeSyntaxError(sql, err)}
	}
	return nil
}

func describeSyntaxError(sql string, err error) string {
	var parseErr *parser.Error
	if !errors.As(err, &parseErr) || parseErr.Cursorpos <= 0 {
		return err.Error()
	}

	line, column := position(sql, parseErr.Cursorpos)
	return fmt.Sprintf("line %d, column %d: %s", line, column, parseErr.Message)
}

// position converts a 1-based character offset, as reported by the parser,
// into 1-based line and column counted in characters. Offsets past the end
// point just after the last character.
func position(text string, offset int) (line, column int) {
	line, column = 1, 1
	for _, r := range text {
		if offset <= 1 {
			break
		}
		offset--
		if r == '\n' {
			line++
			column = 1
		} else {
			column++
		}
	}
	return line, column
}
