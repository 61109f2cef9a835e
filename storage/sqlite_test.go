package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStorage(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "autoflow.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Migrate(context.Background()))
	// Migrations are idempotent.
	require.NoError(t, store.Migrate(context.Background()))

	runStorageSuite(t, store)
}
