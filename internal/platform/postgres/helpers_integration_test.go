//go:build integration

package postgres_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func replaceDatabase(t *testing.T, connURL, database string) string {
	t.Helper()
	u, err := url.Parse(connURL)
	require.NoError(t, err)
	u.Path = "/" + database
	return u.String()
}
