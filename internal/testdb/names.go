package testdb

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/valyala/fasttemplate"

	"github.com/phrazzld/dbtester/internal/dberrors"
	"github.com/phrazzld/dbtester/internal/platform/postgres"
)

const (
	// NamePrefix starts every generated database name.
	NamePrefix = "tst__"

	// MaxTaskLength is the longest task accepted as a name prefix.
	MaxTaskLength = 50

	nameTimestampLayout = "20060102_1504"

	databaseNameTag    = "{{DatabaseName}}"
	applicationNameKey = "ApplicationName"
	databaseNameKey    = "DatabaseName"
)

// BuildDatabaseName generates a unique database name of the form
// tst__<TASK>_<yyyyMMdd_HHmm>_<32 hex>, or tst__<yyyyMMdd_HHmm>_<32 hex>
// when no task is configured.
func (t *Tester) BuildDatabaseName() (string, error) {
	task := t.cfg.Task
	if n := utf8.RuneCountInString(task); n > MaxTaskLength {
		return "", fmt.Errorf("task is %d characters, limit is %d: %w",
			n, MaxTaskLength, dberrors.ErrOutOfRange)
	}

	suffix := t.now().Format(nameTimestampLayout) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if task == "" {
		return NamePrefix + suffix, nil
	}
	return NamePrefix + strings.ToUpper(task) + "_" + suffix, nil
}

// BuildConnectionString renders the connection string template for
// databaseName. applicationName, when set, replaces {{ApplicationName}} with
// an application_name setting in the template's own syntax: a query
// parameter for URL templates, a keyword/value pair otherwise.
func (t *Tester) BuildConnectionString(databaseName, applicationName string) (string, error) {
	if databaseName == "" {
		return "", fmt.Errorf("database name is required: %w", dberrors.ErrArgument)
	}
	if !strings.Contains(t.cfg.ConnectionStringTemplate, databaseNameTag) {
		return "", fmt.Errorf("connection string template has no %s placeholder: %w",
			databaseNameTag, dberrors.ErrFormat)
	}

	appFragment := applicationNameFragment(t.cfg.ConnectionStringTemplate, applicationName)

	return fasttemplate.ExecuteString(t.cfg.ConnectionStringTemplate, "{{", "}}", map[string]interface{}{
		databaseNameKey:    databaseName,
		applicationNameKey: appFragment,
	}), nil
}

func applicationNameFragment(template, applicationName string) string {
	if applicationName == "" {
		return ""
	}

	if strings.HasPrefix(template, "postgres://") || strings.HasPrefix(template, "postgresql://") {
		sep := "?"
		if strings.Contains(template, "?") {
			sep = "&"
		}
		return sep + "application_name=" + url.QueryEscape(applicationName)
	}

	quoted := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(applicationName)
	return " application_name='" + quoted + "'"
}

func (t *Tester) adminConnString() (string, error) {
	return t.BuildConnectionString(postgres.AdminDatabase, t.cfg.ApplicationName)
}

// serverFromConnString extracts the host a connection string points at.
// Unparseable strings yield "".
func serverFromConnString(connString string) string {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return ""
	}
	return cfg.Host
}
