// Package config handles configuration loading, parsing, and validation
// from environment variables and optional config files. It provides the
// settings consumed by the test database orchestrator, the script runners
// and the logger while keeping configuration details out of their logic.
package config
