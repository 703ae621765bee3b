package database_test

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/aqingest/internal/database"
)

func TestMigrations_Embedded(t *testing.T) {
	migrations, err := database.Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	assert.Equal(t, "0001", migrations[0].Version)
	assert.Equal(t, "measurements", migrations[0].Name)
	assert.Contains(t, migrations[0].Body, "PRIMARY KEY (station_id, metric_id, observed_at)")
}

func TestLoadMigrations_OrderAndFilter(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/0002_second.sql": {Data: []byte("SELECT 2;")},
		"sql/0001_first.sql":  {Data: []byte("SELECT 1;")},
		"sql/README.md":       {Data: []byte("not a migration")},
		"sql/12_short.sql":    {Data: []byte("SELECT 0;")},
	}

	migrations, err := database.LoadMigrations(fsys, "sql")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "first", migrations[0].Name)
	assert.Equal(t, "second", migrations[1].Name)
}

func TestConfig_ConnectionString(t *testing.T) {
	tests := []struct {
		name string
		cfg  database.Config
		want string
	}{
		{
			name: "fields",
			cfg:  database.Config{User: "u", Password: "p", Host: "db", Port: 5433, Database: "aq", SSLMode: "disable"},
			want: "postgres://u:p@db:5433/aq?sslmode=disable",
		},
		{
			name: "password is escaped",
			cfg:  database.Config{User: "u", Password: "p@ss/word", Host: "db", Port: 5432, Database: "aq"},
			want: "postgres://u:p%40ss%2Fword@db:5432/aq",
		},
		{
			name: "url wins",
			cfg:  database.Config{URL: "postgres://other/aq", Host: "db", Port: 5432},
			want: "postgres://other/aq",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ConnectionString())
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "")
	t.Setenv("DB_CONN_MAX_LIFETIME", "not-a-duration")

	cfg := database.ConfigFromEnv()
	assert.Equal(t, "pg.internal", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "aqingest", cfg.Database)
	assert.Equal(t, "aqingest", cfg.ApplicationName)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Empty(t, cfg.URL)
}
