// Package testutils provides helpers shared by integration tests.
//
// Integration tests are compiled only with the "integration" build tag:
//
//	go test -tags=integration ./...
//
// StartPostgres supplies a PostgreSQL server for those tests. When
// DBTESTER_TEST_ADMIN_URL is set it is used as-is; otherwise a disposable
// container is started with testcontainers-go.
package testutils
