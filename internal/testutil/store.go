// Package testutil builds throwaway ledger stores for tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"account-ledger/internal/config"
	"account-ledger/internal/repository"

	"github.com/stretchr/testify/require"
)

// Logger discards everything, like the server does when SERVER_PORT=0.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewSQLiteStore returns a migrated store backed by a file in t.TempDir().
func NewSQLiteStore(t testing.TB) *repository.Store {
	t.Helper()

	cfg := &config.Config{SQLitePath: filepath.Join(t.TempDir(), "ledger.db")}
	ctx := context.Background()

	db, err := repository.Open(ctx, repository.SQLite, cfg.GetSQLiteDSN())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := Logger()
	require.NoError(t, repository.Migrate(ctx, db, repository.SQLite, logger))

	return repository.NewStore(db, repository.SQLite, logger)
}
