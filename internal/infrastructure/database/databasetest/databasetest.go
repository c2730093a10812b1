// Package databasetest opens migrated in-memory databases for tests.
package databasetest

import (
	"context"
	"testing"

	"github.com/sensemap/sensemap-core/internal/infrastructure/database"
	_ "github.com/sensemap/sensemap-core/migrations" // registers schema
)

// Open returns an in-memory database with every migration applied. It is
// closed when the test ends.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // test cleanup
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}
