// Package dbtest provides databases for tests.
package dbtest

import (
	"testing"

	"github.com/jmoiron/sqlx"

	"pinga/service/database"
)

// Open returns an in-memory database closed when the test ends.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})
	return db
}
