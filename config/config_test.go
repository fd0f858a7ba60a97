package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "fern", cfg.AppName)
		assert.Equal(t, 3010, cfg.Port)
		assert.Equal(t, "db/pg", cfg.DatabaseMigrationFolderPath)
		assert.Equal(t, 10*time.Minute, cfg.LockTTL)
		assert.Equal(t, 1, cfg.FiscalYearStartMonth)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("PORT", "4000")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("FISCAL_YEAR_START_MONTH", "7")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 4000, cfg.Port)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
		assert.Equal(t, 7, cfg.FiscalYearStartMonth)
	})

	t.Run("rejects invalid fiscal month", func(t *testing.T) {
		t.Setenv("FISCAL_YEAR_START_MONTH", "13")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DatabaseHost:     "db",
		DatabasePort:     "5432",
		DatabaseUserName: "fern",
		DatabasePassword: "secret",
		DatabaseName:     "warehouse",
		DatabaseSSLMode:  "disable",
	}
	assert.Equal(t, "host=db port=5432 user=fern password=secret dbname=warehouse sslmode=disable", cfg.DatabaseDSN())
}
