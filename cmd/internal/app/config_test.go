package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHATTER_STORE", "")
	t.Setenv("CHATTER_DATABASE_URL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Equal(t, 64, cfg.BrokerQueue)
	require.Equal(t, 24*time.Hour, cfg.JWTTTL)
	require.Equal(t, []string{"http://localhost", "http://127.0.0.1"}, cfg.WSAllowedOrigins)
	require.False(t, cfg.DevTokens)
}

func TestLoadConfig_PostgresImpliedByURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHATTER_STORE", "")
	t.Setenv("CHATTER_DATABASE_URL", "postgres://u:p@localhost:5432/chatter")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StorePostgres, cfg.Store)
}

func TestLoadConfig_ReadsEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHATTER_BROKER_QUEUE=8\nCHATTER_LOG_FORMAT=text\n"), 0o600))

	// Registers cleanup for the value godotenv is about to set.
	t.Setenv("CHATTER_BROKER_QUEUE", "")
	require.NoError(t, os.Unsetenv("CHATTER_BROKER_QUEUE"))

	t.Setenv("CHATTER_STORE", "badger")
	t.Setenv("CHATTER_CORS_ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")
	t.Setenv("CHATTER_API_RATE", "0")
	t.Setenv("CHATTER_LOG_FORMAT", "json")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StoreBadger, cfg.Store)
	require.Equal(t, 8, cfg.BrokerQueue)
	// Real environment wins over .env.
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	require.Zero(t, cfg.APIRate)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	secret := strings.Repeat("x", 32)
	base := Config{Store: StoreMemory, JWTSecret: secret, LogFormat: "json"}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "JWT_SECRET"},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = StorePostgres }, wantErr: "DATABASE_URL"},
		{name: "badger without dir", mutate: func(c *Config) { c.Store = StoreBadger }, wantErr: "BADGER_DIR"},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "mongo" }, wantErr: "unknown CHATTER_STORE"},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestMigrateURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pgx5://u:p@db:5432/chatter", migrateURL("postgres://u:p@db:5432/chatter"))
	require.Equal(t, "pgx5://db/chatter?sslmode=disable", migrateURL("postgresql://db/chatter?sslmode=disable"))
	require.Equal(t, "pgx5://db/chatter", migrateURL("pgx5://db/chatter"))
}
