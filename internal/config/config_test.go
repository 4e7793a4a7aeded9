package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.Empty(t, Validate(cfg))
}

func TestValidateCatchesEveryBadField(t *testing.T) {
	cfg := &ServerConfig{
		BindPort:                 -1,
		WorkerCount:              0,
		QueueDepth:               0,
		MaxDatagramsPS:           -5,
		LogLevel:                 "verbose",
		ExchangeLifetimeOverride: -time.Second,
	}
	errs := Validate(cfg)
	require.Len(t, errs, 6)
}

func TestLoadFillsDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`bind_port = 9999`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.BindPort)
	require.Equal(t, DefaultConfig().WorkerCount, cfg.WorkerCount)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapd.toml")

	cfg := DefaultConfig()
	cfg.BindPort = 5684
	cfg.LogLevel = "debug"
	require.NoError(t, Save(path, cfg))

	back, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.BindPort, back.BindPort)
	require.Equal(t, cfg.LogLevel, back.LogLevel)
}

func TestLifetimeFallsBackToProtocolDefault(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, ExchangeLifetime, cfg.Lifetime())

	cfg.ExchangeLifetimeOverride = 5 * time.Second
	require.Equal(t, 5*time.Second, cfg.Lifetime())
}

func TestWatchPicksUpValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coapd.toml")
	require.NoError(t, Save(path, DefaultConfig()))

	changed := make(chan *ServerConfig, 1)
	w, err := Watch(path, func(c *ServerConfig) { changed <- c })
	require.NoError(t, err)
	defer w.Close()

	updated := DefaultConfig()
	updated.BindPort = 6000
	require.NoError(t, Save(path, updated))

	select {
	case cfg := <-changed:
		require.Equal(t, 6000, cfg.BindPort)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
