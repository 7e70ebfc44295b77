//go:build integration

package testutils

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// EnvAdminURL points integration tests at an existing server instead of a container.
const EnvAdminURL = "DBTESTER_TEST_ADMIN_URL"

const (
	postgresImage    = "docker.io/postgres:16-alpine"
	postgresUser     = "dbtester"
	postgresPassword = "dbtester"
	startupTimeout   = 60 * time.Second
)

// Server describes a PostgreSQL server reachable by a test.
type Server struct {
	// AdminURL connects to the bootstrap "postgres" database.
	AdminURL string
	// Template is AdminURL with the database replaced by {{DatabaseName}}
	// and {{ApplicationName}} appended to the query.
	Template string
}

// StartPostgres returns a server for the duration of the test. Containers
// are terminated through t.Cleanup.
func StartPostgres(t *testing.T) Server {
	t.Helper()

	if adminURL := os.Getenv(EnvAdminURL); adminURL != "" {
		return newServer(t, adminURL)
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase("postgres"),
		postgres.WithUsername(postgresUser),
		postgres.WithPassword(postgresPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupTimeout)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	adminURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to read container connection string")

	return newServer(t, adminURL)
}

func newServer(t *testing.T, adminURL string) Server {
	t.Helper()

	u, err := url.Parse(adminURL)
	require.NoError(t, err, "admin URL must be a postgres:// URL")

	u.Path = "/postgres"
	admin := u.String()

	u.Path = "/{{DatabaseName}}"
	// url.String escapes the braces in the path.
	template := strings.Replace(u.String(), "%7B%7BDatabaseName%7D%7D", "{{DatabaseName}}", 1)
	if u.RawQuery == "" {
		template += "?sslmode=disable"
	}
	template += "{{ApplicationName}}"

	return Server{AdminURL: admin, Template: template}
}
