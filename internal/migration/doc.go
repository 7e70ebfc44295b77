// Package migration models a single directory of SQL migration scripts.
//
// A migration directory holds a required up.sql, an optional seed.sql, an
// optional down.sql and any number of auxiliary .sql files. Auxiliary files
// are syntax-checked before up.sql runs but are never executed themselves.
// File names are matched case-insensitively, the same way the engine compares
// identifiers.
//
// Directories named Dependency-<name> describe migrations applied to an
// existing database called <name> rather than to a freshly provisioned one.
package migration
