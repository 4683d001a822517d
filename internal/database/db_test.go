package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/internal/models"
)

func TestOpenSQLiteFileAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "campus.sqlite")
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	require.True(t, db.Migrator().HasTable(&models.CallRecord{}))
	require.True(t, db.Migrator().HasTable(&models.Chat{}))
	require.True(t, db.Migrator().HasTable(&models.NotificationPreference{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
}

func TestBuildDSNs(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "db", Name: "campus", User: "calls", Password: "s3cret"}

	pg, err := buildPostgresDSN(cfg)
	require.NoError(t, err)
	require.Equal(t, "host=db port=5432 user=calls dbname=campus password=s3cret sslmode=disable", pg)

	my, err := buildMySQLDSN(cfg)
	require.NoError(t, err)
	require.Equal(t, "calls:s3cret@tcp(db:3306)/campus?charset=utf8mb4&loc=UTC&parseTime=True", my)

	_, err = buildPostgresDSN(config.DatabaseConfig{})
	require.Error(t, err)

	dsn, err := buildMySQLDSN(config.DatabaseConfig{DSN: "override"})
	require.NoError(t, err)
	require.Equal(t, "override", dsn)
}
