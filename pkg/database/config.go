package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database configuration for either dialect.
type Config struct {
	Type Dialect

	// SQLite
	Path string

	// PostgreSQL
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the database/sql driver name and connection string for cfg.
func (c Config) DSN() (driverName, dsn string, err error) {
	switch c.Type {
	case DialectSQLite:
		if c.Path == "" {
			return "", "", fmt.Errorf("COMMAND_DB_PATH is required for sqlite")
		}
		return "sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", c.Path), nil
	case DialectPostgres:
		return "pgx", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		), nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_TYPE %q", c.Type)
	}
}

// LoadConfigFromEnv loads database configuration from environment variables.
// DATABASE_TYPE selects the dialect (default sqlite); COMMAND_DB_PATH names
// the sqlite file; DB_* variables configure postgres.
func LoadConfigFromEnv() (Config, error) {
	dbType := Dialect(getEnvOrDefault("DATABASE_TYPE", string(DialectSQLite)))
	if dbType != DialectSQLite && dbType != DialectPostgres {
		return Config{}, fmt.Errorf("invalid DATABASE_TYPE %q: must be sqlite or postgres", dbType)
	}

	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return Config{
		Type:            dbType,
		Path:            getEnvOrDefault("COMMAND_DB_PATH", "fabric.db"),
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "fabric"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "fabric"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
