package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/creatorcache/creatorcache/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	rosterPath := filepath.Join(dir, "creators.csv")
	csv := "name,url\nAlice Smith,https://forum.example/creators/alice-smith/\n"
	require.NoError(t, os.WriteFile(rosterPath, []byte(csv), 0o600))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Roster.Path = rosterPath
	cfg.Cache.Path = filepath.Join(dir, "cache.db")
	return cfg
}

func TestNewWiresAllServices(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.roster)
	assert.NotNil(t, a.store)
	assert.NotNil(t, a.fetcher)
	assert.NotNil(t, a.resolver)
	assert.NotNil(t, a.Scheduler())
	assert.NotNil(t, a.server)
	assert.False(t, a.ready.Load(), "not ready before the startup scrape")
	assert.Equal(t, 1, a.roster.Len())
}

func TestNewFailsOnMissingRoster(t *testing.T) {
	cfg := testConfig(t)
	cfg.Roster.Path = filepath.Join(t.TempDir(), "missing.csv")
	_, err := New(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roster")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	// An empty roster keeps the startup scrape instantaneous.
	require.NoError(t, os.WriteFile(cfg.Roster.Path, []byte("name,url\n"), 0o600))

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !a.ready.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, a.ready.Load(), "empty startup scrape flips readiness")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
