package database

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/models"
)

func openMemory(t *testing.T, version int) *DB {
	t.Helper()
	db, err := New(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "silent",
		Version:      version,
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewUnsupportedDriver(t *testing.T) {
	_, err := New(config.DatabaseConfig{Driver: "oracle"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestCheckVersionInitializes(t *testing.T) {
	db := openMemory(t, 2)
	ctx := context.Background()

	require.NoError(t, db.CheckVersion(ctx))

	var meta models.Metadata
	require.NoError(t, db.WithContext(ctx).First(&meta, "key = ?", models.MetaKeyVersion).Error)
	assert.Equal(t, "2", meta.Value)

	// Idempotent when the stored version already matches.
	require.NoError(t, db.CheckVersion(ctx))
}

func TestCheckVersionUpgrades(t *testing.T) {
	db := openMemory(t, 3)
	ctx := context.Background()

	require.NoError(t, db.WithContext(ctx).Create(&models.Metadata{
		Key: models.MetaKeyVersion, Value: "1",
	}).Error)

	require.NoError(t, db.CheckVersion(ctx))

	var meta models.Metadata
	require.NoError(t, db.WithContext(ctx).First(&meta, "key = ?", models.MetaKeyVersion).Error)
	assert.Equal(t, "3", meta.Value)
}
