package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowContains(t *testing.T) {
	win, err := WindowConfig{Start: "22:55:00+08:00", Duration: 4 * time.Minute}.Parse()
	require.NoError(t, err)

	cst := time.FixedZone("CST", 8*3600)
	start := time.Date(2024, 7, 1, 22, 55, 0, 0, cst)

	assert.True(t, win.Contains(start))
	assert.True(t, win.Contains(start.Add(3*time.Minute)))
	assert.False(t, win.Contains(start.Add(-time.Second)))
	assert.False(t, win.Contains(start.Add(4*time.Minute)))

	// 同一时刻用UTC表示
	assert.True(t, win.Contains(start.Add(time.Minute).UTC()))
}

func TestWindowUntil(t *testing.T) {
	win, err := WindowConfig{Start: "10:00:00Z", Duration: time.Hour}.Parse()
	require.NoError(t, err)

	now := time.Date(2024, 7, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, 45*time.Minute, win.Until(now))
	assert.Equal(t, time.Duration(0), win.Until(now.Add(2*time.Hour)))
}

func TestWindowParseErrors(t *testing.T) {
	_, err := WindowConfig{Start: "25:00", Duration: time.Minute}.Parse()
	assert.Error(t, err)

	_, err = WindowConfig{Start: "10:00:00Z", Duration: 0}.Parse()
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  port: 9090\npersistence:\n  mode: kafka\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "kafka", cfg.Persistence.Mode)
	assert.Equal(t, 5*time.Second, cfg.Promotion.LockTTL)
	assert.Equal(t, 0.2, cfg.Promotion.CapacityRatio)
	assert.Equal(t, "22:55:00+08:00", cfg.Activity.Reserving.Start)
	assert.Equal(t, time.Minute, cfg.Activity.Issuing.Duration)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
}

func TestLoadConfigRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("persistence:\n  mode: mongo\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
