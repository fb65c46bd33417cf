package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, time.Minute, cfg.TokenRefreshInterval)
	assert.Equal(t, 1, cfg.ReconnectAttempts)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragline.yaml")
	content := []byte("backend_url: http://backend:9000\npoll_interval: 5s\ntask_timeout: 1m\ntoken: sekret\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://backend:9000", cfg.BackendURL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.TaskTimeout)
	assert.Equal(t, "sekret", cfg.Token)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1, cfg.ReconnectAttempts)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: -1s\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPushURLDerivation(t *testing.T) {
	cfg := Defaults()
	cfg.BackendURL = "http://backend:9000/"
	assert.Equal(t, "ws://backend:9000/ws", cfg.PushURL())

	cfg.BackendURL = "https://backend.example.com"
	cfg.PushPath = "push"
	assert.Equal(t, "wss://backend.example.com/push", cfg.PushURL())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ragline.yaml")

	want := Defaults()
	want.BackendURL = "http://saved:1234"
	want.PollInterval = 7 * time.Second
	require.NoError(t, Save(want, path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want.BackendURL, got.BackendURL)
	assert.Equal(t, want.PollInterval, got.PollInterval)
}
