// Package dbtest opens throwaway in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
)

// Open returns a migrated private in-memory database closed at test cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	d, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}
