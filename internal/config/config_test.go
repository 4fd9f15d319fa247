package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/collab-sync/internal/storage"
)

// clearEnv blanks every key Load reads so tests see the defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_NAME", "HOST", "PORT", "STORE_DRIVER", "BACKEND_URL", "REDIS_ADDR",
		"IDLE_TIMEOUT_MS", "DEBOUNCE_MS", "MAX_DEBOUNCE_MS", "SWEEP_INTERVAL_MS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverHTTP, cfg.StoreDriver)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Debounce)
	assert.Equal(t, 10*time.Second, cfg.MaxDebounce)
	assert.Equal(t, 60*time.Second, cfg.SweepInterval)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadReadsMilliseconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9999")
	t.Setenv("IDLE_TIMEOUT_MS", "1500")
	t.Setenv("DEBOUNCE_MS", "200")
	t.Setenv("MAX_DEBOUNCE_MS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr())
	assert.Equal(t, 1500*time.Millisecond, cfg.IdleTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 10*time.Second, cfg.MaxDebounce)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	clearEnv(t)
	t.Run("driver", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "floppy")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("debounce ceiling", func(t *testing.T) {
		t.Setenv("DEBOUNCE_MS", "5000")
		t.Setenv("MAX_DEBOUNCE_MS", "1000")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("port", func(t *testing.T) {
		t.Setenv("PORT", "70000")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestNewResourcesBuildsSelectedBackend(t *testing.T) {
	ctx := context.Background()
	clearEnv(t)
	t.Setenv("STORE_DRIVER", DriverSQLite)
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "collab.sqlite3"))
	cfg, err := Load()
	require.NoError(t, err)

	res, err := NewResources(ctx, cfg)
	require.NoError(t, err)
	defer res.Close()
	assert.IsType(t, &storage.SQLiteBackend{}, res.Backend)
	assert.Nil(t, res.Postgres)
	assert.Nil(t, res.Redis)

	cfg.StoreDriver = DriverMemory
	mem, err := NewResources(ctx, cfg)
	require.NoError(t, err)
	defer mem.Close()
	assert.IsType(t, &storage.MemoryBackend{}, mem.Backend)
}
