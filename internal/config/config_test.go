package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("DB_MIN_CONNECTIONS", "")
	t.Setenv("DB_MAX_CONNECTIONS", "")
	t.Setenv("DB_CONNECTION_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DatabaseSQLite, cfg.DatabaseType)
	assert.Equal(t, "modelnet.db", cfg.SQLitePath)
	assert.Equal(t, 2, cfg.DBMinConnections)
	assert.Equal(t, 20, cfg.DBMaxConnections)
	assert.Equal(t, 10*time.Second, cfg.DBConnectTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadPostgres(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("POSTGRES_DB", "modelnet")
	t.Setenv("POSTGRES_USER", "scanner")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "5433")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DatabasePostgres, cfg.DatabaseType)
	assert.Equal(t, "db.internal", cfg.PostgresHost)
	assert.Equal(t, 5433, cfg.PostgresPort)
}

func TestLoadPostgresMissingCredentials(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("POSTGRES_DB", "")
	t.Setenv("POSTGRES_USER", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DB")
}

func TestLoadUnknownDatabaseType(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "mysql")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_TYPE")
}

func TestValidatePoolBounds(t *testing.T) {
	cfg := &Config{
		DatabaseType:     DatabaseSQLite,
		DBMinConnections: 10,
		DBMaxConnections: 5,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_MAX_CONNECTIONS")
}

func TestValidateClampsMinConnections(t *testing.T) {
	cfg := &Config{
		DatabaseType:     DatabaseSQLite,
		DBMinConnections: 0,
		DBMaxConnections: 4,
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.DBMinConnections)
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_TIMEOUT", "30s")
	assert.Equal(t, 30*time.Second, getEnvDuration("TEST_TIMEOUT", time.Second))

	t.Setenv("TEST_TIMEOUT", "45")
	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_TIMEOUT", time.Second))

	t.Setenv("TEST_TIMEOUT", "bogus")
	assert.Equal(t, time.Second, getEnvDuration("TEST_TIMEOUT", time.Second))
}

func TestSourceAvailability(t *testing.T) {
	cfg := &Config{ShodanAPIKey: "k"}
	assert.True(t, cfg.HasShodan())
	assert.False(t, cfg.HasCensys())

	cfg = &Config{CensysAPIID: "id", CensysAPISecret: "s"}
	assert.True(t, cfg.HasCensys())
	assert.False(t, cfg.HasShodan())
}
