// Package dbtest opens throwaway migrated databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Emcas152/CRMv2-sub000/internal/db"
)

// Open returns a migrated SQLite database living in t.TempDir().
func Open(t *testing.T) *db.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.OpenSQLite(context.Background(), path)
	require.NoError(t, err, "open sqlite test database")
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	return database
}
