// Package databasetest opens throwaway SQLite stores for package tests.
package databasetest

import (
	"context"
	"path/filepath"
	"testing"

	"mailcal/internal/database"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// New returns a migrated store in a temp directory, closed when the test ends
func New(t testing.TB) *sqlx.DB {
	t.Helper()

	db, err := database.New("sqlite://" + filepath.Join(t.TempDir(), "mailcal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(context.Background(), db))
	return db
}
