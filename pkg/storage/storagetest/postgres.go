// Package storagetest opens record stores for tests in other packages.
package storagetest

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/cuemby/labvm/pkg/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresDSNEnv names the variable holding the DSN of a scratch database
const PostgresDSNEnv = "LABVM_TEST_POSTGRES_DSN"

// Postgres returns a migrated SQLStore in a fresh schema of the database
// named by LABVM_TEST_POSTGRES_DSN. The schema is dropped when the test
// ends. The test is skipped when the variable is unset.
func Postgres(t testing.TB) *storage.SQLStore {
	t.Helper()
	dsn := PostgresDSN(t)

	admin, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	schema := "labvm_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	require.NoError(t, admin.Exec("CREATE SCHEMA "+schema).Error)
	t.Cleanup(func() {
		_ = admin.Exec("DROP SCHEMA " + schema + " CASCADE").Error
		if db, err := admin.DB(); err == nil {
			_ = db.Close()
		}
	})

	store, err := storage.NewSQLStore(WithSearchPath(dsn, schema))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// PostgresDSN returns the scratch database DSN or skips the test
func PostgresDSN(t testing.TB) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(PostgresDSNEnv))
	if dsn == "" {
		t.Skipf("%s is not set", PostgresDSNEnv)
	}
	return dsn
}

// WithSearchPath points every connection of dsn at schema. Both URL and
// key=value DSNs are accepted.
func WithSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err == nil {
			q := u.Query()
			q.Set("search_path", schema)
			u.RawQuery = q.Encode()
			return u.String()
		}
	}
	return dsn + " search_path=" + schema
}
