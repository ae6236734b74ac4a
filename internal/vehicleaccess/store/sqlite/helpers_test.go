package sqlite_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/VehicleAccess/client/internal/db"
)

// openTestDB returns a fresh in-memory database with the production
// migrations applied. It is closed when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.Open(context.Background(), db.Config{})
	require.NoError(t, err, "openTestDB")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newTestWriter(t *testing.T, conn *sql.DB) *db.Writer {
	t.Helper()
	w := db.NewWriter(conn)
	t.Cleanup(w.Close)
	return w
}
