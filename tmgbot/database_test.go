package tmgbot

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestDB returns a migrated SQLite database in a temp dir, along with
// a write wrapper for it.
func newTestDB(t *testing.T) (*gorm.DB, DBI) {
	t.Helper()
	ctx := context.Background()
	db, err := createDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
		slog.Default().Handler(),
		DefaultDatabaseSlowThreshold,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db, NewDatabase(db, slog.Default(), false)
}

func TestCreateDB_UnsupportedType(t *testing.T) {
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}

func TestDatabase_Writes(t *testing.T) {
	ctx := context.Background()
	db, writeDB := newTestDB(t)

	rc := DefaultRuntimeConfig()
	rows, err := writeDB.Create(ctx, &rc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.NotZero(t, rc.ID)
	assert.NotZero(t, rc.CreatedAt)

	_, err = writeDB.Updates(ctx, &rc, map[string]any{"discord_status": "Integrando"})
	require.NoError(t, err)

	var loaded RuntimeConfig
	require.NoError(t, db.Last(&loaded).Error)
	assert.Equal(t, "Integrando", loaded.DiscordStatus)
	assert.Equal(t, DBLogLevelWarn, loaded.DatabaseLogLevel)
	assert.True(t, loaded.RemindersEnabled)

	err = writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Model(&loaded).Update("paused", true).Error
		},
	)
	require.NoError(t, err)
	require.NoError(t, db.Last(&loaded).Error)
	assert.True(t, loaded.Paused)

	_, err = writeDB.Delete(ctx, &loaded)
	require.NoError(t, err)
	assert.ErrorIs(t, db.Last(&RuntimeConfig{}).Error, gorm.ErrRecordNotFound)
}
