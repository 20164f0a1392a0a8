package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPostgresDSN(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		want   []string
		reject []string
	}{
		{
			name: "defaults",
			cfg:  Config{User: "broker", Name: "gpubroker"},
			want: []string{"host=localhost port=5432 user=broker dbname=gpubroker", "TimeZone=UTC", "application_name=gpubroker", "sslmode=disable"},
		},
		{
			name: "overrides",
			cfg: Config{
				User: "svc", Name: "db", Host: "db.internal", Port: 6543, Password: "pw",
				Options: map[string]string{"sslmode": "require", "search_path": "broker"},
			},
			want:   []string{"host=db.internal", "port=6543", "password=pw", "sslmode=require", "search_path=broker"},
			reject: []string{"sslmode=disable"},
		},
		{
			name: "explicit dsn wins",
			cfg:  Config{DSN: "postgres://svc@db/broker"},
			want: []string{"postgres://svc@db/broker"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dsn, err := buildPostgresDSN(tc.cfg)
			require.NoError(t, err)
			for _, part := range tc.want {
				require.Contains(t, dsn, part)
			}
			for _, part := range tc.reject {
				require.NotContains(t, dsn, part)
			}
		})
	}

	_, err := buildPostgresDSN(Config{})
	require.Error(t, err)

	_, err = buildPostgresDSN(Config{User: "svc", Name: "db", Options: map[string]string{"sslmode": "sometimes"}})
	require.Error(t, err)
}

func TestPgQuote(t *testing.T) {
	require.Equal(t, "plain", pgQuote("plain"))
	require.Equal(t, "''", pgQuote(""))
	require.Equal(t, `'pa ss'`, pgQuote("pa ss"))
	require.Equal(t, `'it\'s\\'`, pgQuote(`it's\`))
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{User: "broker", Name: "gpubroker"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "broker@tcp(127.0.0.1:3306)/gpubroker?"), dsn)
	require.Contains(t, dsn, "charset=utf8mb4")
	require.Contains(t, dsn, "parseTime=true")

	dsn, err = buildMySQLDSN(Config{
		User: "svc", Password: "secret", Name: "db", Host: "mysql.internal", Port: 3307,
		Options: map[string]string{"tls": "skip-verify", "loc": "Local"},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "svc:secret@tcp(mysql.internal:3307)/db?"))
	require.Contains(t, dsn, "tls=skip-verify")
	require.Contains(t, dsn, "loc=Local")

	_, err = buildMySQLDSN(Config{Host: "localhost"})
	require.Error(t, err)

	_, err = buildMySQLDSN(Config{User: "svc", Name: "db", Options: map[string]string{"parseTime": "maybe"}})
	require.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	a, err := sqliteDSN(Config{})
	require.NoError(t, err)
	b, err := sqliteDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	require.Contains(t, a, "mode=memory")
	require.NotEqual(t, a, b, "in-memory handles must not share a database")

	path := filepath.Join(t.TempDir(), "nested", "broker.sqlite")
	dsn, err := sqliteDSN(Config{Path: path})
	require.NoError(t, err)
	require.Contains(t, dsn, "_journal_mode=WAL")
	require.DirExists(t, filepath.Dir(path))
}

func TestMergeOptionsOrdersKeys(t *testing.T) {
	got := mergeOptions(map[string]string{"b": "2", "a": "1"}, map[string]string{"c": "3", "a": "9"}, "&")
	require.Equal(t, "a=9&b=2&c=3", got)
}
