package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_PATH", "SYNC_TIME_BUDGET", "FULL_SYNC_WINDOW", "FULL_SYNC_PAGE_SIZE", "MAX_BODY_BYTES", "SYNC_INTERVAL", "OUTREACH_DB_DRIVER"} {
		t.Setenv(key, "")
	}
	t.Setenv("DATA_DIR", "/var/lib/mailsync")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, filepath.Join("/var/lib/mailsync", "mailbox.db"), cfg.DBPath)
	assert.Equal(t, 25*time.Second, cfg.SyncTimeBudget)
	assert.Equal(t, 168*time.Hour, cfg.FullSyncWindow)
	assert.Equal(t, 100, cfg.FullSyncPageSize)
	assert.Equal(t, 10<<20, cfg.MaxBodyBytes)
	assert.Zero(t, cfg.SyncInterval)
	assert.Equal(t, "sqlite", cfg.OutreachDBDriver)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYNC_TIME_BUDGET", "10s")
	t.Setenv("FULL_SYNC_PAGE_SIZE", "25")
	t.Setenv("SYNC_INTERVAL", "5m")
	t.Setenv("BETTER_AUTH_URL", "https://auth.example.com")
	t.Setenv("JWKS_URL", "")
	t.Setenv("MAX_BODY_BYTES", "not-a-number")
	t.Setenv("FULL_SYNC_WINDOW", "soon")

	cfg := Load()
	assert.Equal(t, 10*time.Second, cfg.SyncTimeBudget)
	assert.Equal(t, 25, cfg.FullSyncPageSize)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, "https://auth.example.com/api/auth/jwks", cfg.JWKSURL)
	assert.Equal(t, 10<<20, cfg.MaxBodyBytes)
	assert.Equal(t, 168*time.Hour, cfg.FullSyncWindow)
}
