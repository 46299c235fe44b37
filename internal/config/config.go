// Package config loads scanner configuration from the environment with an
// optional .env overlay. All knobs have defaults; only a postgres catalog
// without credentials is a hard error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	apperrors "github.com/tt1a44a/modelnet/internal/errors"
)

const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"

	defaultSQLitePath     = "modelnet.db"
	defaultPostgresHost   = "localhost"
	defaultPostgresPort   = 5432
	defaultMinConnections = 2
	defaultMaxConnections = 20
	defaultConnectTimeout = 10 * time.Second
)

// Config carries everything the CLI and daemonized scans read from the
// environment.
type Config struct {
	// Catalog backend selection.
	DatabaseType string
	SQLitePath   string

	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int

	// Pool sizing shared by both backends.
	DBMinConnections int
	DBMaxConnections int
	DBConnectTimeout time.Duration

	// Discovery source credentials. Empty means the source is unavailable.
	ShodanAPIKey    string
	CensysAPIID     string
	CensysAPISecret string

	// Logging.
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads the environment, overlaying a .env file from the working
// directory when present. A missing .env is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Failed to load .env file")
		}
	}

	cfg := &Config{
		DatabaseType:     strings.ToLower(getEnv("DATABASE_TYPE", DatabaseSQLite)),
		SQLitePath:       getEnv("SQLITE_PATH", defaultSQLitePath),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresHost:     getEnv("POSTGRES_HOST", defaultPostgresHost),
		PostgresPort:     getEnvInt("POSTGRES_PORT", defaultPostgresPort),
		DBMinConnections: getEnvInt("DB_MIN_CONNECTIONS", defaultMinConnections),
		DBMaxConnections: getEnvInt("DB_MAX_CONNECTIONS", defaultMaxConnections),
		DBConnectTimeout: getEnvDuration("DB_CONNECTION_TIMEOUT", defaultConnectTimeout),
		ShodanAPIKey:     os.Getenv("SHODAN_API_KEY"),
		CensysAPIID:      os.Getenv("CENSYS_API_ID"),
		CensysAPISecret:  os.Getenv("CENSYS_API_SECRET"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "auto"),
		LogFile:          os.Getenv("LOG_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside the catalog.
func (c *Config) Validate() error {
	switch c.DatabaseType {
	case DatabaseSQLite, DatabasePostgres:
	default:
		return apperrors.Config("validate", fmt.Errorf("unknown DATABASE_TYPE %q (want %q or %q)", c.DatabaseType, DatabaseSQLite, DatabasePostgres))
	}

	if c.DatabaseType == DatabasePostgres {
		if c.PostgresDB == "" || c.PostgresUser == "" {
			return apperrors.Config("validate", fmt.Errorf("POSTGRES_DB and POSTGRES_USER are required when DATABASE_TYPE=postgres"))
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return apperrors.Config("validate", fmt.Errorf("POSTGRES_PORT %d out of range", c.PostgresPort))
		}
	}

	if c.DBMinConnections < 1 {
		c.DBMinConnections = 1
	}
	if c.DBMaxConnections < c.DBMinConnections {
		return apperrors.Config("validate", fmt.Errorf("DB_MAX_CONNECTIONS %d below DB_MIN_CONNECTIONS %d", c.DBMaxConnections, c.DBMinConnections))
	}
	if c.DBConnectTimeout <= 0 {
		c.DBConnectTimeout = defaultConnectTimeout
	}
	return nil
}

// HasShodan reports whether the shodan source can run.
func (c *Config) HasShodan() bool {
	return c.ShodanAPIKey != ""
}

// HasCensys reports whether the censys source can run.
func (c *Config) HasCensys() bool {
	return c.CensysAPIID != "" && c.CensysAPISecret != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("key", key).Str("value", val).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

// getEnvDuration accepts either a Go duration string ("10s") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", val).Msg("Invalid duration in environment, using default")
	return fallback
}
