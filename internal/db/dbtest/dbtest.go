// Package dbtest opens throwaway SQLite databases with the projection schema.
package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/healthconnect/config"
	"example.com/healthconnect/internal/db"
	"example.com/healthconnect/internal/metrics"
)

// New returns an in-memory database migrated for service
func New(t *testing.T, service string) *gorm.DB {
	t.Helper()
	return NewWithMetrics(t, service, metrics.NewMetricsCollector())
}

// NewWithMetrics is New with an explicit metrics collector
func NewWithMetrics(t *testing.T, service string, collector *metrics.MetricsCollector) *gorm.DB {
	t.Helper()

	database, err := db.Connect(config.DatabaseConfig{Driver: db.DriverSQLite, DSN: ":memory:"}, collector)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(database, service))

	t.Cleanup(func() {
		if sqlDB, err := database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return database
}
