// Package dbtest opens migrated in-memory SQLite databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"memoryvault/internal/database"
)

var seq atomic.Int64

// Open returns a fresh database with every migration applied. Each call
// gets its own named in-memory database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Connect(dsn, log)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db, database.Migrations, log))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
