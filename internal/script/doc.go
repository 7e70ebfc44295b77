// Package script runs SQL script files against a database.
//
// A Runner executes one file and reports how it completed. The run error is
// reserved for failures to start or reach the database at all; a script that
// runs but fails reports a non-zero exit code instead. Callers decide whether
// a non-zero code is fatal.
//
// PsqlRunner shells out to psql. ExecRunner sends the file to the server
// in-process over pgx and needs no client tools installed.
package script
