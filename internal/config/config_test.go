package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tenebris-backend/internal/reconnect"
)

// inTempDir runs the test from an empty directory so no stray .env is read.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadServerDefaults(t *testing.T) {
	inTempDir(t)
	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 8, cfg.MaxPlayers)
	assert.Equal(t, 16, cfg.OutboxSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadServerRejectsTinyLobbies(t *testing.T) {
	inTempDir(t)
	t.Setenv("TENEBRIS_MAX_PLAYERS", "1")
	_, err := LoadServer()
	require.Error(t, err)
}

func TestLoadServerParseError(t *testing.T) {
	inTempDir(t)
	t.Setenv("TENEBRIS_MAX_PLAYERS", "lots")
	_, err := LoadServer()
	require.ErrorContains(t, err, "parse env:")
}

func TestLoadClientReadsDotEnv(t *testing.T) {
	dir := inTempDir(t)
	// Keys set by the dotenv file leak into the process; unset them afterwards.
	t.Setenv("TENEBRIS_USER", "")
	os.Unsetenv("TENEBRIS_USER")
	t.Setenv("TENEBRIS_RECONNECT_MAX_ATTEMPTS", "")
	os.Unsetenv("TENEBRIS_RECONNECT_MAX_ATTEMPTS")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("TENEBRIS_USER=u42\nTENEBRIS_RECONNECT_MAX_ATTEMPTS=3\n"), 0o600))

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "u42", cfg.UserID)
	assert.Equal(t, reconnect.Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterRange:       0.3,
	}, cfg.Policy())
}

func TestLoadClientEnvironmentWinsOverDotEnv(t *testing.T) {
	dir := inTempDir(t)
	t.Setenv("TENEBRIS_PROFILE", "laptop")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TENEBRIS_PROFILE=desk\n"), 0o600))

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.Profile)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.ServerURL)
}
