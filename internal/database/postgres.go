package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func openPostgres(cfg Config) (*gorm.DB, error) {
	dsn, err := buildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	return gorm.Open(postgres.Open(dsn), gormConfig())
}

// buildPostgresDSN renders a keyword/value DSN. Sessions run in UTC so lease
// deadlines compare consistently across replicas. The result is checked
// with the pgx parser before gorm ever dials.
func buildPostgresDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if cfg.User == "" || cfg.Name == "" {
		return "", errors.New("postgres configuration requires user and database name")
	}

	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s", host, port, pgQuote(cfg.User), pgQuote(cfg.Name))
	if cfg.Password != "" {
		dsn += " password=" + pgQuote(cfg.Password)
	}

	defaults := map[string]string{
		"sslmode":          "disable",
		"TimeZone":         "UTC",
		"application_name": "gpubroker",
	}
	dsn += " " + mergeOptions(defaults, cfg.Options, " ")
	if _, err := pgconn.ParseConfig(dsn); err != nil {
		return "", fmt.Errorf("postgres options: %w", err)
	}
	return dsn, nil
}

// pgQuote single-quotes a keyword/value setting when it holds characters
// the libpq syntax treats specially.
func pgQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
